// Package server exposes the workflow tools to an agent over MCP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/kingrea/waymark/internal/artifact"
	"github.com/kingrea/waymark/internal/logging"
	"github.com/kingrea/waymark/internal/tools"
)

const instructions = `waymark runs multi-step workflows defined as jobs.

Call start_workflow with a job, a workflow, and the user's goal. Work on the
returned step, then call finished_step with the declared outputs. The reply
status is next_step (continue with begin_step), needs_work (fix the outputs
using the feedback and call finished_step again), or workflow_complete.
Workflows nest: starting one while another is active pushes it on the stack,
and completing or aborting it resumes the one below.`

// Server wraps an MCP server whose tools delegate to a tools.Service.
type Server struct {
	tools  *tools.Service
	mcp    *mcpserver.MCPServer
	logger *slog.Logger
}

// Option customizes the server.
type Option func(*Server)

// WithLogger attaches a structured logger. It must not write to stdout when
// serving over stdio.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New registers every workflow tool on a fresh MCP server.
func New(svc *tools.Service, version string, opts ...Option) (*Server, error) {
	s := &Server{tools: svc, logger: logging.Discard()}
	for _, opt := range opts {
		opt(s)
	}
	s.mcp = mcpserver.NewMCPServer(
		"waymark",
		version,
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithRecovery(),
		mcpserver.WithInstructions(instructions),
	)

	startTool, err := toolWithSchema(tools.ToolStartWorkflow,
		"Start a workflow. It becomes the active session on top of the stack and its first step begins.",
		new(tools.StartWorkflowInput))
	if err != nil {
		return nil, err
	}
	finishedTool, err := toolWithSchema(tools.ToolFinishedStep,
		"Submit the outputs of the current step. Outputs are validated, then quality reviews run before the workflow advances.",
		new(tools.FinishedStepInput))
	if err != nil {
		return nil, err
	}
	abortTool, err := toolWithSchema(tools.ToolAbortWorkflow,
		"Abandon a workflow session and resume the one below it on the stack.",
		new(tools.AbortWorkflowInput))
	if err != nil {
		return nil, err
	}
	goToTool, err := toolWithSchema(tools.ToolGoToStep,
		"Return to an earlier step of the session. Progress from that step onward is discarded.",
		new(tools.GoToStepInput))
	if err != nil {
		return nil, err
	}
	stackTool := mcp.NewTool(tools.ToolGetStack,
		mcp.WithDescription("List the active workflow sessions, bottom to top."),
	)

	s.mcp.AddTool(startTool, handle(s, tools.ToolStartWorkflow, svc.StartWorkflow))
	s.mcp.AddTool(finishedTool, handle(s, tools.ToolFinishedStep, svc.FinishedStep))
	s.mcp.AddTool(abortTool, handle(s, tools.ToolAbortWorkflow, svc.AbortWorkflow))
	s.mcp.AddTool(goToTool, handle(s, tools.ToolGoToStep, svc.GoToStep))
	s.mcp.AddTool(stackTool, handle(s, tools.ToolGetStack, func(ctx context.Context, _ struct{}) (tools.StackResponse, error) {
		return svc.GetStack(ctx), nil
	}))
	return s, nil
}

// MCP returns the underlying MCP server.
func (s *Server) MCP() *mcpserver.MCPServer {
	return s.mcp
}

// ServeStdio serves MCP over the given streams until ctx is cancelled or in
// is closed.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := mcpserver.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	s.logger.InfoContext(ctx, "serving MCP over stdio")
	err := stdio.Listen(ctx, in, out)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("server: stdio: %w", err)
	}
	return nil
}

// handle adapts a typed service call to an MCP tool handler. Service errors
// become tool error results so the agent sees the message.
func handle[In, Out any](s *Server, name string, call func(context.Context, In) (Out, error)) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var in In
		if err := req.BindArguments(&in); err != nil {
			s.logger.WarnContext(ctx, "tool arguments rejected", "tool", name, "error", err)
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments for %s: %v", name, err)), nil
		}
		started := time.Now()
		out, err := call(ctx, in)
		elapsed := time.Since(started)
		if err != nil {
			s.logger.WarnContext(ctx, "tool call failed", "tool", name, "elapsed", elapsed, "error", err)
			return mcp.NewToolResultError(err.Error()), nil
		}
		s.logger.DebugContext(ctx, "tool call", "tool", name, "elapsed", elapsed)
		text, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("server: encode %s result: %w", name, err)
		}
		return mcp.NewToolResultStructured(out, string(text)), nil
	}
}

var outputType = reflect.TypeOf(artifact.Output{})

// outputSchema describes artifact.Output, which is a path or a list of paths
// on the wire.
func outputSchema(t reflect.Type) *jsonschema.Schema {
	if t != outputType {
		return nil
	}
	return &jsonschema.Schema{
		OneOf: []*jsonschema.Schema{
			{Type: "string"},
			{Type: "array", Items: &jsonschema.Schema{Type: "string"}},
		},
	}
}

func toolWithSchema(name, description string, input any) (mcp.Tool, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
		Mapper:                     outputSchema,
	}
	schema := reflector.Reflect(input)
	schema.Version = ""
	data, err := json.Marshal(schema)
	if err != nil {
		return mcp.Tool{}, fmt.Errorf("server: %s input schema: %w", name, err)
	}
	return mcp.NewToolWithRawSchema(name, description, data), nil
}
