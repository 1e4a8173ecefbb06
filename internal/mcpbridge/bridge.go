// Package mcpbridge republishes the JTAG command catalog as MCP tools over
// stdio. The bridge reads the schema catalog written at server start,
// connects to the hub as an ordinary WebSocket client, and exposes one tool
// per command plus two meta-tools: jtag_system_start and jtag_search_tools.
package mcpbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/jtag-dev/jtag/internal/client"
	"github.com/jtag-dev/jtag/internal/instance"
	"github.com/jtag-dev/jtag/internal/logger"
	"github.com/jtag-dev/jtag/internal/registry"
)

// Tool naming: endpoint slashes become underscores, descriptions are
// prefixed so tool hosts can tell fabric commands from native tools.
const (
	descriptionPrefix = "[JTAG] "

	// SystemStartTool launches the server when it is not already running.
	SystemStartTool = "jtag_system_start"

	// SearchToolsTool searches the catalog by keyword and category.
	SearchToolsTool = "jtag_search_tools"

	// systemStartTimeout bounds the wait for system-ready.json.
	systemStartTimeout = 90 * time.Second
)

// Options configures the bridge.
type Options struct {
	// CatalogPath is the schema catalog snapshot to expose.
	CatalogPath string

	// ServerURL is the hub WebSocket URL.
	ServerURL string

	// HTTPFallbackURL enables the degraded transport.
	HTTPFallbackURL string

	// StateRoot locates the ready signal for jtag_system_start.
	StateRoot string

	// ServerCommand is the argv used to launch the server when
	// jtag_system_start finds it absent. Empty disables launching.
	ServerCommand []string
}

// Bridge is a running MCP adapter.
type Bridge struct {
	opts    Options
	catalog []registry.Descriptor
	cli     *client.Client
	server  *mcpsdk.Server
	log     zerolog.Logger
}

// ToolName maps an endpoint to its MCP tool name.
func ToolName(endpoint string) string {
	return strings.ReplaceAll(endpoint, "/", "_")
}

// New loads the catalog, connects to the hub, and builds the tool set.
func New(opts Options) (*Bridge, error) {
	catalog, err := registry.LoadCatalog(opts.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	cli, err := client.Connect(client.Options{
		ServerURL:       opts.ServerURL,
		HTTPFallbackURL: opts.HTTPFallbackURL,
		EnableFallback:  opts.HTTPFallbackURL != "",
		UniqueID:        client.LoadOrCreateUniqueID(opts.StateRoot),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to hub: %w", err)
	}

	b := &Bridge{
		opts:    opts,
		catalog: catalog,
		cli:     cli,
		log:     *logger.MCP(),
	}

	b.server = mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "jtag",
		Version: "2.0.0",
	}, nil)

	for _, desc := range catalog {
		desc := desc
		b.server.AddTool(&mcpsdk.Tool{
			Name:        ToolName(desc.Endpoint),
			Description: descriptionPrefix + desc.Description,
			InputSchema: paramsToSchema(desc.Params),
		}, b.commandHandler(desc))
	}
	b.addMetaTools()

	b.log.Info().Int("tools", len(catalog)).Msg("catalog translated to MCP tools")
	return b, nil
}

// Run serves MCP over stdio until the context ends.
func (b *Bridge) Run(ctx context.Context) error {
	defer b.cli.Disconnect()
	return b.server.Run(ctx, &mcpsdk.StdioTransport{})
}

// commandHandler forwards one tool invocation to its fabric endpoint.
func (b *Bridge) commandHandler(desc registry.Descriptor) mcpsdk.ToolHandler {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var args map[string]any
		if raw := req.Params.Arguments; len(raw) > 0 {
			if err := json.Unmarshal(raw, &args); err != nil {
				return errorResult(desc.Endpoint, fmt.Errorf("malformed arguments: %w", err)), nil
			}
		}

		payload, err := b.cli.Invoke(ctx, desc.Endpoint, args)
		if err != nil {
			return errorResult(desc.Endpoint, err), nil
		}

		content := []mcpsdk.Content{&mcpsdk.TextContent{Text: string(payload)}}

		// Replies that point at an image artifact carry it inline, resized
		// for the tool host.
		if path := findImagePath(payload); path != "" {
			if img, ierr := loadAndResize(path); ierr == nil {
				content = append(content, &mcpsdk.ImageContent{
					Data:     img,
					MIMEType: "image/jpeg",
				})
			} else {
				b.log.Debug().Err(ierr).Str("path", path).Msg("image inline failed")
			}
		}

		return &mcpsdk.CallToolResult{Content: content}, nil
	}
}

// addMetaTools installs jtag_system_start and jtag_search_tools.
func (b *Bridge) addMetaTools() {
	b.server.AddTool(&mcpsdk.Tool{
		Name: SystemStartTool,
		Description: descriptionPrefix + "Launch the JTAG server if it is not already running. " +
			"Idempotent; expect up to 90 seconds of boot time.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
	}, b.handleSystemStart)

	b.server.AddTool(&mcpsdk.Tool{
		Name:        SearchToolsTool,
		Description: descriptionPrefix + "Search available JTAG tools by name or description keyword.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query":    {"type": "string", "description": "keyword matched against tool names and descriptions"},
				"category": {"type": "string", "description": "restrict to one endpoint domain, e.g. chat or system"}
			},
			"required": ["query"]
		}`),
	}, b.handleSearchTools)
}

func (b *Bridge) handleSystemStart(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	paths := instance.Layout(b.opts.StateRoot)

	if sig, err := paths.ReadReady(); err == nil {
		return textResult(fmt.Sprintf(`{"status":"already-running","pid":%d,"port":%d}`, sig.PID, sig.Port)), nil
	}

	if len(b.opts.ServerCommand) == 0 {
		return errorResult("system/start", fmt.Errorf("server not running and no launch command configured")), nil
	}

	cmd := exec.Command(b.opts.ServerCommand[0], b.opts.ServerCommand[1:]...)
	if err := cmd.Start(); err != nil {
		return errorResult("system/start", fmt.Errorf("launch failed: %w", err)), nil
	}
	// The daemon owns its own lifetime; the bridge only waits for ready.
	go cmd.Wait()

	sig, err := paths.WaitReady(systemStartTimeout)
	if err != nil {
		return errorResult("system/start", err), nil
	}
	return textResult(fmt.Sprintf(`{"status":"started","pid":%d,"port":%d}`, sig.PID, sig.Port)), nil
}

func (b *Bridge) handleSearchTools(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args struct {
		Query    string `json:"query"`
		Category string `json:"category"`
	}
	if raw := req.Params.Arguments; len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return errorResult("search", fmt.Errorf("malformed arguments: %w", err)), nil
		}
	}

	matches := SearchCatalog(b.catalog, args.Query, args.Category)

	type hit struct {
		Tool        string `json:"tool"`
		Endpoint    string `json:"endpoint"`
		Description string `json:"description"`
	}
	hits := make([]hit, 0, len(matches))
	for _, d := range matches {
		hits = append(hits, hit{Tool: ToolName(d.Endpoint), Endpoint: d.Endpoint, Description: d.Description})
	}
	out, _ := json.Marshal(map[string]any{"matches": hits})
	return textResult(string(out)), nil
}

// SearchCatalog filters descriptors by keyword (name or description,
// case-insensitive) and optional endpoint-domain category.
func SearchCatalog(catalog []registry.Descriptor, query, category string) []registry.Descriptor {
	q := strings.ToLower(query)
	var out []registry.Descriptor
	for _, d := range catalog {
		if category != "" {
			domain, _, _ := strings.Cut(d.Endpoint, "/")
			if domain != category {
				continue
			}
		}
		if q != "" &&
			!strings.Contains(strings.ToLower(d.Endpoint), q) &&
			!strings.Contains(strings.ToLower(ToolName(d.Endpoint)), q) &&
			!strings.Contains(strings.ToLower(d.Description), q) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

// paramsToSchema translates a descriptor's parameter specs into a JSON
// schema object, one-for-one.
func paramsToSchema(params map[string]registry.ParamSpec) json.RawMessage {
	properties := make(map[string]any, len(params))
	var required []string
	for name, spec := range params {
		typ := spec.Type
		if typ == "" {
			typ = "string"
		}
		prop := map[string]any{"type": typ}
		if spec.Description != "" {
			prop["description"] = spec.Description
		}
		properties[name] = prop
		if spec.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)

	schema := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		schema["required"] = required
	}
	out, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return out
}

// errorResult wraps a failure the way tool hosts expect: structured text
// content flagged as an error.
func errorResult(command string, err error) *mcpsdk.CallToolResult {
	body, _ := json.Marshal(map[string]string{"error": err.Error(), "command": command})
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(body)}},
		IsError: true,
	}
}

func textResult(text string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}},
	}
}
