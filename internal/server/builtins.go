package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jtag-dev/jtag/internal/protocol"
	"github.com/jtag-dev/jtag/internal/registry"
)

// registerBuiltins installs the system endpoints every instance carries.
func (s *Server) registerBuiltins() {
	must := func(err error) {
		if err != nil {
			s.log.Error().Err(err).Msg("builtin registration failed")
		}
	}

	must(s.reg.Register(registry.Descriptor{
		Endpoint:    "system/ping",
		Description: "Liveness probe; echoes an optional nonce",
		Params: map[string]registry.ParamSpec{
			"nonce": {Type: "string", Description: "opaque value echoed back"},
		},
		Result: map[string]registry.ParamSpec{
			"pong":     {Type: "boolean", Required: true},
			"uniqueId": {Type: "string", Required: true},
			"uptimeMs": {Type: "number", Required: true},
		},
		AccessLevel: "public",
	}, s.self, s.handlePing))

	must(s.reg.Register(registry.Descriptor{
		Endpoint:    "system/list",
		Description: "Enumerate registered endpoints and their subscriber counts",
		Result: map[string]registry.ParamSpec{
			"endpoints": {Type: "array", Required: true},
		},
		AccessLevel: "public",
	}, s.self, s.handleList))

	must(s.reg.Register(registry.Descriptor{
		Endpoint:    "system/info",
		Description: "Instance, port, version, and connected peer summary",
		Result: map[string]registry.ParamSpec{
			"instance": {Type: "string", Required: true},
			"port":     {Type: "number", Required: true},
			"version":  {Type: "string", Required: true},
			"peers":    {Type: "array", Required: true},
		},
		AccessLevel: "public",
	}, s.self, s.handleInfo))
}

func (s *Server) handlePing(ctx context.Context, msg *protocol.Envelope) (any, error) {
	var params struct {
		Nonce string `json:"nonce"`
	}
	_ = json.Unmarshal(msg.Payload, &params)

	result := map[string]any{
		"pong":     true,
		"uniqueId": s.self.UniqueID,
		"uptimeMs": time.Since(s.startedAt).Milliseconds(),
	}
	if params.Nonce != "" {
		result["nonce"] = params.Nonce
	}
	return result, nil
}

func (s *Server) handleList(ctx context.Context, msg *protocol.Envelope) (any, error) {
	type row struct {
		Endpoint    string `json:"endpoint"`
		Description string `json:"description,omitempty"`
		HasTerminal bool   `json:"hasTerminal"`
		Observers   int    `json:"observers"`
	}

	rows := make([]row, 0)
	for _, info := range s.rt.Enumerate() {
		r := row{Endpoint: info.Endpoint, HasTerminal: info.HasTerminal, Observers: info.Observers}
		if desc, ok := s.reg.Get(info.Endpoint); ok {
			r.Description = desc.Description
		}
		rows = append(rows, r)
	}
	return map[string]any{"endpoints": rows}, nil
}

func (s *Server) handleInfo(ctx context.Context, msg *protocol.Envelope) (any, error) {
	peers := make([]map[string]any, 0)
	for _, p := range s.ws.Peers() {
		peers = append(peers, map[string]any{
			"uniqueId":    p.UniqueID,
			"environment": p.Environment,
			"sessionId":   p.SessionID,
		})
	}
	return map[string]any{
		"instance": s.cfg.Instance,
		"port":     s.cfg.ServerPort,
		"version":  Version,
		"peers":    peers,
	}, nil
}
