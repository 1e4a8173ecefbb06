package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubjectMapping(t *testing.T) {
	tests := []struct {
		endpoint string
		subject  string
	}{
		{"chat/send-message", "jtag.events.chat.send-message"},
		{"system/ping", "jtag.events.system.ping"},
		{"data/sub/list", "jtag.events.data.sub.list"},
	}
	for _, tc := range tests {
		t.Run(tc.endpoint, func(t *testing.T) {
			assert.Equal(t, tc.subject, SubjectFor(tc.endpoint))
			assert.Equal(t, tc.endpoint, EndpointFor(tc.subject))
		})
	}
}

func TestEndpointForForeignSubject(t *testing.T) {
	assert.Empty(t, EndpointFor("orders.created"))
}

func TestDisabledBridgeIsInert(t *testing.T) {
	b, err := NewBridge(Config{})
	require.NoError(t, err)

	assert.False(t, b.Enabled())
	assert.NoError(t, b.Start(nil))
	b.Close()
}
