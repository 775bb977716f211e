// Package calculator is a small arithmetic provider used by the development
// CLI and as a reference for wiring tools, resources, prompts, and hook
// sets.
package calculator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/mcpfn/mcpfn"
)

var inputSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "a": {"type": "number"},
    "b": {"type": "number"}
  },
  "required": ["a", "b"]
}`)

// Setup builds the calculator provider. Configuration args may carry a
// "precision" hint which is exposed through the config resource.
func Setup(inv *mcpfn.Invocation) (*mcpfn.Server, error) {
	srv := mcpfn.NewServer(
		mcpfn.Info{Name: "calculator", Version: "0.2.0"},
		mcpfn.WithInstructions("Simple arithmetic over numeric arguments a and b."),
	)

	var (
		historyMu sync.Mutex
		history   []string
	)
	record := func(line string) {
		historyMu.Lock()
		history = append(history, line)
		historyMu.Unlock()
	}

	srv.RegisterTool("add", mcpfn.ToolOptions{
		Description: "Add two numbers.",
		InputSchema: inputSchema,
	}, func(_ context.Context, args map[string]any) (any, error) {
		a, b, err := operands(args)
		if err != nil {
			return nil, err
		}
		record(fmt.Sprintf("%g + %g = %g", a, b, a+b))
		return map[string]any{"result": a + b}, nil
	})

	srv.RegisterTool("divide", mcpfn.ToolOptions{
		Description: "Divide a by b.",
		InputSchema: inputSchema,
	}, func(_ context.Context, args map[string]any) (any, error) {
		a, b, err := operands(args)
		if err != nil {
			return nil, err
		}
		if b == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		record(fmt.Sprintf("%g / %g = %g", a, b, a/b))
		return map[string]any{"result": a / b}, nil
	})

	srv.RegisterResource("calc://history", mcpfn.ResourceOptions{
		Title:       "Calculation history",
		Description: "Lines recorded by tool calls in this process.",
	}, func(_ context.Context, uri string) (any, error) {
		if uri != "calc://history" {
			return nil, nil
		}
		historyMu.Lock()
		defer historyMu.Unlock()
		return strings.Join(history, "\n"), nil
	})

	srv.RegisterResource("calc://config", mcpfn.ResourceOptions{
		Title:    "Provider configuration",
		MimeType: "application/json",
	}, func(_ context.Context, uri string) (any, error) {
		if uri != "calc://config" {
			return nil, nil
		}
		return inv.Args(), nil
	})

	srv.RegisterPrompt("explain", mcpfn.PromptOptions{
		Description: "Explain an arithmetic operation in plain language.",
		Arguments: []mcpfn.PromptArgument{
			{Name: "operation", Description: "Operation to explain", Required: true},
		},
	}, func(_ context.Context, args map[string]string) (any, error) {
		op := args["operation"]
		if op == "" {
			return nil, fmt.Errorf("operation argument is required")
		}
		return map[string]any{
			"messages": []map[string]any{
				{
					"role": "user",
					"content": map[string]any{
						"type": "text",
						"text": fmt.Sprintf("Explain the %s operation step by step.", op),
					},
				},
			},
		}, nil
	})

	if err := inv.SetOAuth(&mcpfn.OAuthHandler{
		GetAuthorizationURL: func(_ context.Context, input map[string]any) (any, error) {
			state, _ := input["state"].(string)
			return "https://example.com/oauth/authorize?state=" + state, nil
		},
		HandleCallback: func(_ context.Context, input map[string]any) (any, error) {
			code, _ := input["code"].(string)
			if code == "" {
				return nil, fmt.Errorf("missing code")
			}
			return map[string]any{"accessToken": "demo-" + code}, nil
		},
	}); err != nil {
		return nil, err
	}

	if err := inv.SetCallbacks(&mcpfn.CallbackHandler{
		Handle: func(_ context.Context, event mcpfn.CallbackEvent) (any, error) {
			return map[string]any{"echoed": event.Payload}, nil
		},
		Poll: func(_ context.Context, req mcpfn.PollRequest) (any, error) {
			cursor, _ := req.State.(float64)
			req.SetState(cursor + 1)
			return map[string]any{"tick": cursor + 1}, nil
		},
	}); err != nil {
		return nil, err
	}

	return srv, nil
}

func operands(args map[string]any) (float64, float64, error) {
	a, ok := args["a"].(float64)
	if !ok {
		return 0, 0, fmt.Errorf("argument a must be a number")
	}
	b, ok := args["b"].(float64)
	if !ok {
		return 0, 0, fmt.Errorf("argument b must be a number")
	}
	return a, b, nil
}
