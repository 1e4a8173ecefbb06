// Package events provides the optional NATS bridge: fabric events are
// republished onto NATS subjects for out-of-process observers, and
// event envelopes published to the inject subject enter the router as if
// they came from a remote context. The bridge is a no-op unless a NATS URL is
// configured; the fabric never depends on it.
package events

import "strings"

// Subject layout. One subject per endpoint keeps NATS-side subscriptions
// as granular as fabric subscriptions.
const (
	// SubjectPrefix roots all republished fabric events.
	SubjectPrefix = "jtag.events."

	// InjectSubject accepts event envelopes from external publishers; other
	// envelope kinds are dropped.
	InjectSubject = "jtag.inject"
)

// SubjectFor maps an endpoint to its NATS subject:
// chat/send-message -> jtag.events.chat.send-message.
func SubjectFor(endpoint string) string {
	return SubjectPrefix + strings.ReplaceAll(endpoint, "/", ".")
}

// EndpointFor inverts SubjectFor. Returns "" for foreign subjects.
func EndpointFor(subject string) string {
	if !strings.HasPrefix(subject, SubjectPrefix) {
		return ""
	}
	return strings.ReplaceAll(strings.TrimPrefix(subject, SubjectPrefix), ".", "/")
}
