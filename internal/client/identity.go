package client

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// IdentityFileName stores a participant's persistent uniqueId alongside
// its instance state, so the identity survives restarts while sessionIds
// stay per-process.
const IdentityFileName = "client-id"

// LoadOrCreateUniqueID returns the persisted uniqueId under stateRoot,
// allocating and saving a fresh one on first use. Falls back to an
// ephemeral id when the state root is unwritable.
func LoadOrCreateUniqueID(stateRoot string) string {
	path := filepath.Join(stateRoot, IdentityFileName)

	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id
		}
	}

	id := uuid.NewString()
	if err := os.MkdirAll(stateRoot, 0o755); err != nil {
		return id
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return id
	}
	return id
}
