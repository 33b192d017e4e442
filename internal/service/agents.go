package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"artmarket/pos/internal/domain"
	"artmarket/pos/internal/store"
	"artmarket/pos/internal/xid"
)

// RegisterAgent creates a bridge agent. The plaintext key is returned once;
// only its bcrypt hash is stored.
func (s *Service) RegisterAgent(ctx context.Context, req domain.AgentCreateRequest) (domain.AgentCreateResponse, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.AgentCreateResponse{}, validationError("name_required")
	}

	pairedTerminalID := strings.TrimSpace(req.PairedTerminalID)
	if pairedTerminalID != "" {
		if _, err := s.repo.GetTerminal(ctx, pairedTerminalID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.AgentCreateResponse{}, validationError("terminal_not_found")
			}
			return domain.AgentCreateResponse{}, err
		}
	}

	key, err := newAgentKey()
	if err != nil {
		return domain.AgentCreateResponse{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return domain.AgentCreateResponse{}, err
	}

	agent, err := s.repo.CreateAgent(ctx, domain.BridgeAgent{
		ID:               xid.New("agent"),
		AgentKeyHash:     string(hash),
		Name:             name,
		LocationLabel:    strings.TrimSpace(req.LocationLabel),
		PairedTerminalID: pairedTerminalID,
		IsActive:         true,
		CreatedAt:        s.now(),
	})
	if err != nil {
		return domain.AgentCreateResponse{}, err
	}

	if err := s.recordAudit(ctx, "agent_registered", "", map[string]string{
		"agentId":          agent.ID,
		"name":             agent.Name,
		"pairedTerminalId": agent.PairedTerminalID,
	}); err != nil {
		return domain.AgentCreateResponse{}, err
	}
	return domain.AgentCreateResponse{Agent: *agent, AgentKey: key}, nil
}

// AuthenticateAgent checks agent credentials from the X-Agent-* headers.
func (s *Service) AuthenticateAgent(ctx context.Context, agentID string, key string) (*domain.BridgeAgent, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" || key == "" {
		return nil, ErrAgentUnauthorized
	}
	agent, err := s.repo.FindAgentByID(ctx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrAgentUnauthorized
		}
		return nil, err
	}
	if !agent.IsActive {
		return nil, ErrAgentUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword([]byte(agent.AgentKeyHash), []byte(key)); err != nil {
		return nil, ErrAgentUnauthorized
	}
	return agent, nil
}

func newAgentKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
