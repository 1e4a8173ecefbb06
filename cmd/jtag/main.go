// Command jtag invokes fabric commands from the shell.
//
// Usage:
//
//	jtag <endpoint> [--param=value]...   invoke a command, print the result
//	jtag list                            enumerate the command catalog
//	jtag system/start                    launch the server, wait for ready
//
// The unwrapped response payload prints to stdout as JSON. Errors print
// their kind and message to stderr; exit status is 0 on success, 1 on any
// error.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/jtag-dev/jtag/internal/client"
	"github.com/jtag-dev/jtag/internal/config"
	"github.com/jtag-dev/jtag/internal/instance"
	"github.com/jtag-dev/jtag/internal/logger"
	"github.com/jtag-dev/jtag/internal/protocol"
)

const systemStartTimeout = 90 * time.Second

func main() {
	logger.InitializeWriter("warn", false, os.Stderr)

	args := os.Args[1:]
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: jtag <endpoint> [--param=value]...")
		os.Exit(1)
	}

	cfg, err := config.Load("jtag.yaml")
	if err != nil {
		fail(protocol.InvalidMessage(err.Error()))
	}

	endpoint := args[0]
	params := parseParams(args[1:])

	switch endpoint {
	case "list":
		endpoint = "system/list"
	case "system/start":
		runSystemStart(cfg)
		return
	}

	payload, err := invoke(cfg, endpoint, params)
	if err != nil {
		fail(err)
	}
	printJSON(payload)
}

// invoke connects, sends one request, and disconnects.
func invoke(cfg *config.Config, endpoint string, params map[string]any) (json.RawMessage, error) {
	c, err := client.Connect(client.Options{
		ServerURL:       cfg.ServerURL(),
		HTTPFallbackURL: cfg.HTTPFallbackURL(),
		EnableFallback:  true,
		UniqueID:        client.LoadOrCreateUniqueID(cfg.StateRoot()),
		RequestTimeout:  cfg.RequestTimeout,
	})
	if err != nil {
		return nil, err
	}
	defer c.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer cancel()
	return c.Invoke(ctx, endpoint, params)
}

// runSystemStart launches the server when absent and waits for the ready
// signal. Idempotent: a running server reports its existing pid.
func runSystemStart(cfg *config.Config) {
	paths := instance.Layout(cfg.StateRoot())

	if sig, err := paths.ReadReady(); err == nil {
		printJSON(mustMarshal(map[string]any{"status": "already-running", "pid": sig.PID, "port": sig.Port}))
		return
	}

	exe, err := os.Executable()
	if err != nil {
		fail(protocol.InvalidMessage(err.Error()))
	}
	serverBin := strings.TrimSuffix(exe, "jtag") + "jtag-server"

	cmd := exec.Command(serverBin)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		fail(protocol.InvalidMessage(fmt.Sprintf("launch %s: %v", serverBin, err)))
	}
	go cmd.Wait()

	sig, err := paths.WaitReady(systemStartTimeout)
	if err != nil {
		fail(protocol.Timeout(err.Error()))
	}
	printJSON(mustMarshal(map[string]any{"status": "started", "pid": sig.PID, "port": sig.Port}))
}

// parseParams turns --name=value flags into a payload map. Values that
// parse as JSON keep their type; everything else stays a string.
func parseParams(args []string) map[string]any {
	params := make(map[string]any)
	for _, arg := range args {
		if !strings.HasPrefix(arg, "--") {
			fmt.Fprintf(os.Stderr, "ignoring argument %q (expected --param=value)\n", arg)
			continue
		}
		name, value, found := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if !found {
			params[name] = true
			continue
		}
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err == nil {
			params[name] = parsed
		} else {
			params[name] = value
		}
	}
	return params
}

func printJSON(payload json.RawMessage) {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	var pretty any
	if err := json.Unmarshal(payload, &pretty); err == nil {
		if out, merr := json.MarshalIndent(pretty, "", "  "); merr == nil {
			fmt.Println(string(out))
			return
		}
	}
	fmt.Println(string(payload))
}

func fail(err error) {
	ferr := protocol.AsError(err)
	fmt.Fprintf(os.Stderr, "%s: %s\n", ferr.Code, ferr.Message)
	os.Exit(1)
}

func mustMarshal(v any) json.RawMessage {
	out, err := json.Marshal(v)
	if err != nil {
		fail(err)
	}
	return out
}
