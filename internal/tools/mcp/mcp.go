// Package mcp bridges external MCP (Model Context Protocol) servers into
// the capability catalog. Tools discovered from a server become sandbox
// capabilities named "mcp__<server>__<tool>", invoked like any built-in:
// lazily, batched, and counted against the execution's dispatch trace.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/crucible/internal/capability"
	"github.com/jkaninda/crucible/internal/config"
)

// Tool wraps one tool discovered from an MCP server as a capability.
type Tool struct {
	spec         capability.Spec
	client       mcpclient.MCPClient
	originalName string // Tool name as the MCP server knows it.
	serverName   string
	logger       *slog.Logger
}

func (t *Tool) Spec() capability.Spec { return t.spec }

// Execute calls the remote tool. Text content comes back as a plain
// string; anything else (image, resource) is serialized to JSON. A
// tool-level error becomes a Go error so the sandbox sees a capability
// failure at observation time.
func (t *Tool) Execute(ctx context.Context, args map[string]any) (any, error) {
	t.logger.InfoContext(ctx, "mcp capability executing",
		slog.String("server", t.serverName),
		slog.String("tool", t.originalName),
	)

	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = t.originalName
	callReq.Params.Arguments = args

	result, err := t.client.CallTool(ctx, callReq)
	if err != nil {
		return nil, fmt.Errorf("MCP call to %s/%s: %w", t.serverName, t.originalName, err)
	}

	output := flattenContent(result.Content)
	if result.IsError {
		return nil, fmt.Errorf("MCP tool %s/%s reported an error: %s", t.serverName, t.originalName, output)
	}
	return output, nil
}

func flattenContent(content []mcp.Content) string {
	var sb strings.Builder
	for i, c := range content {
		if i > 0 {
			sb.WriteString("\n")
		}
		if tc, ok := mcp.AsTextContent(c); ok {
			sb.WriteString(tc.Text)
		} else {
			data, _ := json.Marshal(c)
			sb.Write(data)
		}
	}
	return sb.String()
}

// Bridge owns the MCP client connections and produces Tool adapters for
// the registry.
type Bridge struct {
	clients []mcpclient.MCPClient
	logger  *slog.Logger
}

// NewBridge creates a bridge that will manage MCP server connections.
func NewBridge(logger *slog.Logger) *Bridge {
	return &Bridge{logger: logger}
}

// ConnectAndDiscover connects to one MCP server, runs the initialization
// handshake, lists its tools, and returns capability adapters ready for
// registration.
func (b *Bridge) ConnectAndDiscover(ctx context.Context, cfg config.MCPServerConfig) ([]*Tool, error) {
	c, err := b.createClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating MCP client for %q: %w", cfg.Name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "crucible",
		Version: "0.1.0",
	}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	if _, err := c.Initialize(ctx, initReq); err != nil {
		return nil, fmt.Errorf("MCP initialize for %q: %w", cfg.Name, err)
	}

	b.clients = append(b.clients, c)

	listResp, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("MCP list tools for %q: %w", cfg.Name, err)
	}

	adapters := make([]*Tool, 0, len(listResp.Tools))
	for _, t := range listResp.Tools {
		adapters = append(adapters, &Tool{
			spec:         specFromSchema(cfg.Name, t),
			client:       c,
			originalName: t.Name,
			serverName:   cfg.Name,
			logger:       b.logger,
		})
	}

	b.logger.Info("MCP server connected",
		slog.String("server", cfg.Name),
		slog.String("transport", cfg.Transport),
		slog.Int("tools_discovered", len(adapters)),
	)

	return adapters, nil
}

// Close shuts down all MCP client connections.
func (b *Bridge) Close() {
	for _, c := range b.clients {
		if err := c.Close(); err != nil {
			b.logger.Error("closing MCP client", slog.String("error", err.Error()))
		}
	}
}

// createClient picks the transport from the server config.
func (b *Bridge) createClient(cfg config.MCPServerConfig) (*mcpclient.Client, error) {
	switch cfg.Transport {
	case "stdio":
		env := expandEnvList(cfg.Env)
		return mcpclient.NewStdioMCPClient(cfg.Command, env, cfg.Args...)

	case "sse":
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(expandEnvValues(cfg.Headers)))
		}
		return mcpclient.NewSSEMCPClient(cfg.URL, opts...)

	case "streamable_http":
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(expandEnvValues(cfg.Headers)))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)

	default:
		return nil, fmt.Errorf("unsupported transport: %s", cfg.Transport)
	}
}

// specFromSchema maps an MCP tool's JSON Schema onto the flat
// required/optional argument contract the validator and the call-site
// checks understand.
func specFromSchema(server string, t mcp.Tool) capability.Spec {
	spec := capability.Spec{
		Name:        fmt.Sprintf("mcp__%s__%s", server, t.Name),
		Description: fmt.Sprintf("[MCP:%s] %s", server, t.Description),
		Required:    append([]string(nil), t.InputSchema.Required...),
	}

	required := make(map[string]bool, len(spec.Required))
	for _, r := range spec.Required {
		required[r] = true
	}
	for name := range t.InputSchema.Properties {
		if !required[name] {
			spec.Optional = append(spec.Optional, name)
		}
	}
	sort.Strings(spec.Optional)
	return spec
}

// expandEnvList converts key→value pairs to "KEY=expanded_value" strings.
func expandEnvList(m map[string]string) []string {
	env := make([]string, 0, len(m))
	for k, v := range m {
		env = append(env, k+"="+os.ExpandEnv(v))
	}
	return env
}

// expandEnvValues returns a copy with values expanded via os.ExpandEnv.
func expandEnvValues(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = os.ExpandEnv(v)
	}
	return out
}

var _ capability.Tool = (*Tool)(nil)
