package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/michaelbrown/penbox/internal/config"
	"github.com/michaelbrown/penbox/internal/logger"
	"github.com/michaelbrown/penbox/internal/sandbox"
)

const maxOutput = 4000

type runner struct {
	executors *sandbox.ExecutorSet
}

func main() {
	cfg, err := config.Load(os.Getenv("PENBOX_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}
	// zap writes to stderr, stdout carries the protocol
	log, err := logger.NewFromConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "building logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	executors, closeExecutors, err := sandbox.NewFromConfig(cfg, log)
	if err != nil {
		log.Fatal("failed to set up sandbox", zap.Error(err))
	}
	defer closeExecutors()

	r := &runner{executors: executors}

	var names []string
	for _, x := range executors.Templates() {
		if x.Valid() {
			names = append(names, x.Name)
		}
	}

	s := server.NewMCPServer("penbox-code-runner", "0.1.0")
	s.AddTool(mcp.Tool{
		Name:        "code_run",
		Description: fmt.Sprintf("Execute code in a throwaway container. Templates: %s.", strings.Join(names, ", ")),
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"template": map[string]any{
					"type":        "string",
					"description": "Sandbox template (e.g. python3.12, shell)",
				},
				"code": map[string]any{
					"type":        "string",
					"description": "Source code to execute",
				},
				"stdin": map[string]any{
					"type":        "string",
					"description": "Standard input to provide to the program (optional)",
				},
				"timeout": map[string]any{
					"type":        "number",
					"description": "Timeout in seconds (optional)",
				},
			},
			Required: []string{"template", "code"},
		},
	}, r.handleCodeRun)

	if err := server.ServeStdio(s); err != nil {
		log.Error("server error", zap.Error(err))
	}
}

func (r *runner) handleCodeRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		return errResult("error: invalid arguments"), nil
	}

	template, _ := args["template"].(string)
	code, _ := args["code"].(string)
	stdin, _ := args["stdin"].(string)
	seconds, _ := args["timeout"].(float64)

	if template == "" || code == "" {
		return errResult("error: 'template' and 'code' are required"), nil
	}

	e, err := r.executors.Get(template).Execute(ctx, []byte(code), time.Duration(seconds*float64(time.Second)))
	if errors.Is(err, sandbox.ErrUnsupportedTemplate) {
		return errResult(fmt.Sprintf("error: unsupported template %q", template)), nil
	}
	if err != nil {
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}

	var mu sync.Mutex
	var output strings.Builder
	done := make(chan struct{})
	e.Subscribe(sandbox.Observer{
		OnStream: func(data []byte) {
			mu.Lock()
			output.Write(data)
			mu.Unlock()
		},
		OnEnd: func() { close(done) },
	})

	if err := e.Start(); err != nil {
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}
	if stdin != "" {
		if !strings.HasSuffix(stdin, "\n") {
			stdin += "\n"
		}
		// EOT at the start of a line closes the program's input
		e.SendString(stdin + "\x04")
	}

	timedOut := false
	select {
	case <-done:
		timedOut = !e.EndedAt().Before(e.Deadline())
	case <-ctx.Done():
		e.Stop()
		<-done
	}
	<-e.Done()

	mu.Lock()
	text := strings.ReplaceAll(output.String(), "\r\n", "\n")
	mu.Unlock()

	if len(text) > maxOutput {
		text = text[:maxOutput] + "\n... (output truncated)"
	}
	if timedOut {
		text += fmt.Sprintf("\n(timed out after %s)", e.Timeout)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: timedOut,
	}, nil
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}
