// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package implements an MCP-compliant server that exposes the
// run_sandbox tool. It uses the mark3labs/mcp-go library to handle the
// protocol details; each tool call runs one full sandbox lifecycle and returns
// the collected records.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxctl/config"
	"github.com/isdmx/sandboxctl/lifecycle"
	"github.com/isdmx/sandboxctl/logstream"
	"github.com/isdmx/sandboxctl/sandbox"
)

// ToolRunSandbox is the name of the MCP tool
const ToolRunSandbox = "run_sandbox"

// maxRecords caps the records returned by one tool call.
const maxRecords = 10000

// SandboxRunner runs one sandbox lifecycle. *lifecycle.Controller satisfies it.
type SandboxRunner interface {
	Run(ctx context.Context, spec sandbox.Spec, sink lifecycle.Sink, opts ...lifecycle.RunOption) (lifecycle.Result, error)
}

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	runner    SandboxRunner
	mcpServer *server.MCPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, runner *lifecycle.Controller) (*MCPServer, error) {
	return newServer(cfg, logger, runner), nil
}

func newServer(cfg *config.Config, logger *zap.Logger, runner SandboxRunner) *MCPServer {
	s := &MCPServer{
		config: cfg,
		logger: logger,
		runner: runner,
	}

	s.mcpServer = server.NewMCPServer("sandboxctl", "Ephemeral sandbox runner")
	s.registerRunSandboxTool()

	return s
}

// registerRunSandboxTool registers the run_sandbox tool
func (s *MCPServer) registerRunSandboxTool() {
	stringArray := map[string]any{"type": "string"}
	tool := mcp.Tool{
		Name:        ToolRunSandbox,
		Description: "Run a command in an ephemeral sandbox, stream its output for a bounded time, then stop and remove it",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"image": map[string]any{
					"type":        "string",
					"description": "Image reference (defaults to sandbox.image)",
				},
				"command": map[string]any{
					"type":        "array",
					"items":       stringArray,
					"description": "Command and arguments (defaults to sandbox.command)",
				},
				"monitor_duration_sec": map[string]any{
					"type":        "integer",
					"description": "Seconds to stream logs before stopping the sandbox",
				},
				"network_enabled": map[string]any{
					"type":        "boolean",
					"description": "Allow network access",
				},
				"dns_servers": map[string]any{
					"type":        "array",
					"items":       stringArray,
					"description": "DNS servers used when network is enabled",
				},
				"read_only": map[string]any{
					"type":        "boolean",
					"description": "Mount the root filesystem read-only",
				},
				"run_as_user": map[string]any{
					"type":        "string",
					"description": "User to run as inside the sandbox",
				},
			},
		},
	}

	s.mcpServer.AddTool(tool, s.handleRunSandbox)
}

type runRecord struct {
	Stream string `json:"stream"`
	Line   string `json:"line"`
}

type runResponse struct {
	SandboxID    string      `json:"sandbox_id,omitempty"`
	State        string      `json:"state"`
	States       []string    `json:"states"`
	Reason       string      `json:"reason,omitempty"`
	Records      []runRecord `json:"records"`
	Truncated    bool        `json:"truncated,omitempty"`
	DecodeErrors int         `json:"decode_errors,omitempty"`
	StreamError  string      `json:"stream_error,omitempty"`
	Error        string      `json:"error,omitempty"`
}

// handleRunSandbox handles the run_sandbox tool
func (s *MCPServer) handleRunSandbox(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	spec, err := s.specFromRequest(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var opts []lifecycle.RunOption
	if secs := request.GetInt("monitor_duration_sec", 0); secs > 0 {
		opts = append(opts, lifecycle.MonitorFor(time.Duration(secs)*time.Second))
	}

	s.logger.Info("sandbox run requested",
		zap.String("image", spec.Image),
		zap.Strings("command", spec.Command))

	resp := runResponse{Records: []runRecord{}}
	sink := func(rec logstream.Record) {
		if len(resp.Records) >= maxRecords {
			resp.Truncated = true
			return
		}
		resp.Records = append(resp.Records, runRecord{Stream: string(rec.Source), Line: rec.Line})
	}

	res, runErr := s.runner.Run(ctx, spec, sink, opts...)

	resp.SandboxID = res.SandboxID
	resp.State = res.State.String()
	resp.Reason = string(res.Reason)
	resp.DecodeErrors = res.DecodeErrors
	for _, st := range res.States {
		resp.States = append(resp.States, st.String())
	}
	if res.StreamErr != nil {
		resp.StreamError = res.StreamErr.Error()
	}
	if runErr != nil {
		resp.Error = runErr.Error()
		s.logger.Error("sandbox run failed",
			zap.String("sandbox_id", res.SandboxID),
			zap.Error(runErr))
	}

	body, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}

	result := mcp.NewToolResultText(string(body))
	result.IsError = runErr != nil
	return result, nil
}

// specFromRequest starts from the configured spec and applies the request
// arguments on top
func (s *MCPServer) specFromRequest(request mcp.CallToolRequest) (sandbox.Spec, error) {
	spec := sandbox.SpecFromConfig(s.config)
	args := request.GetArguments()

	spec.Image = request.GetString("image", spec.Image)
	spec.User = request.GetString("run_as_user", spec.User)
	spec.Network.Enabled = request.GetBool("network_enabled", spec.Network.Enabled)
	spec.ReadOnly = request.GetBool("read_only", spec.ReadOnly)

	if raw, ok := args["command"]; ok {
		command, err := stringSlice(raw)
		if err != nil {
			return sandbox.Spec{}, fmt.Errorf("invalid command: %w", err)
		}
		spec.Command = command
	}
	if raw, ok := args["dns_servers"]; ok {
		dns, err := stringSlice(raw)
		if err != nil {
			return sandbox.Spec{}, fmt.Errorf("invalid dns_servers: %w", err)
		}
		spec.Network.DNS = dns
	}

	if err := spec.Validate(); err != nil {
		return sandbox.Spec{}, err
	}
	return spec, nil
}

func stringSlice(raw any) ([]string, error) {
	switch v := raw.(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for i, item := range v {
			str, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("element %d is %T, not a string", i, item)
			}
			out = append(out, str)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected an array of strings, got %T", raw)
	}
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	return httpServer.Start(fmt.Sprintf(":%d", port))
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
