package protocol

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
)

// KindSessionHandshake marks the first frame on a new connection. The frame
// is not an Envelope; it is recognized by its kind discriminator before any
// envelope on that connection is dispatched.
const KindSessionHandshake = "session_handshake"

// Handshake is the first frame a client sends after connecting. The server
// buffers anything received before it and dispatches it only afterwards.
type Handshake struct {
	Kind        string      `json:"kind"`
	SessionID   string      `json:"sessionId"`
	UniqueID    string      `json:"uniqueId,omitempty"`
	Environment Environment `json:"environment,omitempty"`
}

// NewHandshake builds a handshake frame for the given identity.
func NewHandshake(sessionID, uniqueID string, env Environment) *Handshake {
	return &Handshake{
		Kind:        KindSessionHandshake,
		SessionID:   sessionID,
		UniqueID:    uniqueID,
		Environment: env,
	}
}

// ParseHandshake decodes a frame as a handshake. Returns (nil, false) when
// the frame is not a handshake; the frame should then be treated as a
// buffered envelope.
func ParseHandshake(data []byte) (*Handshake, bool) {
	var hs Handshake
	if err := json.Unmarshal(data, &hs); err != nil {
		return nil, false
	}
	if hs.Kind != KindSessionHandshake {
		return nil, false
	}
	return &hs, true
}

// PeerContext derives the peer Context bound to a connection after its
// handshake. Clients that omit uniqueId get one derived from sessionId, so
// reconnects with the same session map to the same peer identity.
func (h *Handshake) PeerContext() Context {
	env := h.Environment
	if env == "" {
		env = EnvBrowser
	}
	uid := h.UniqueID
	if uid == "" {
		uid = DeriveUniqueID(h.SessionID)
	}
	return Context{
		UniqueID:    uid,
		Environment: env,
		SessionID:   h.SessionID,
	}
}

// DeriveUniqueID maps a sessionId to a stable peer uniqueId.
func DeriveUniqueID(sessionID string) string {
	sum := sha1.Sum([]byte("jtag-peer:" + sessionID))
	return "b-" + hex.EncodeToString(sum[:])[:12]
}
