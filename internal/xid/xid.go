package xid

import (
	"fmt"

	"github.com/google/uuid"
)

// New returns a prefixed random identifier, e.g. "tx-3f0c...".
func New(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}

var namespace = uuid.MustParse("6f1e2a3c-5b7d-4c1e-9a0f-2b3c4d5e6f70")

// Derived returns a UUID that is stable for the given key, so retries of the
// same operation address the same remote resource.
func Derived(key string) string {
	return uuid.NewSHA1(namespace, []byte(key)).String()
}
