package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"artmarket/pos/internal/domain"
	"artmarket/pos/internal/service"
)

const maxWaitSeconds = 25

// handleNextCommand long-polls for the agent's next queued command and
// answers 204 when none shows up within the wait.
func (a *API) handleNextCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	wait, err := parseWait(r.URL.Query().Get("wait"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	agent := agentFromContext(r.Context())
	cmd, err := a.service.ClaimNext(r.Context(), agent.ID, wait)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	if cmd == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, service.ToCommandEnvelope(cmd))
}

func (a *API) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.CommandReportRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	agent := agentFromContext(r.Context())
	resp, err := a.service.ReportResult(r.Context(), agent.ID, req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// parseWait reads the wait query in seconds. Missing means the maximum.
func parseWait(raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return maxWaitSeconds * time.Second, nil
	}
	seconds, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, errors.New("wait must be an integer number of seconds")
	}
	if seconds < 0 {
		seconds = 0
	}
	if seconds > maxWaitSeconds {
		seconds = maxWaitSeconds
	}
	return time.Duration(seconds) * time.Second, nil
}
