package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mcplane/mcplane/server"
	"github.com/mcplane/mcplane/server/mcp/capability"
	"github.com/mcplane/mcplane/shared"
	"github.com/mcplane/mcplane/shared/config"
	"github.com/mcplane/mcplane/shared/logging"
	"github.com/mcplane/mcplane/shared/mcp/schema"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file")
	flag.Parse()

	var cfg config.IConfig
	var err error
	if _, statErr := os.Stat(*configPath); statErr == nil {
		cfg, err = config.NewYamlConfigWithWatcher(*configPath, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
	} else {
		cfg = config.NewInternalConfig()
	}
	defer cfg.Close()

	logLevel, _ := cfg.LogLevel()
	logger, err := logging.New(logLevel, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, listenerErr, err := server.Start(ctx, logger, cfg,
		server.WithMCPTool(addTool()),
		server.WithMCPTool(slowEchoTool()),
		server.WithMCPPrompt(schema.Prompt{
			Name:        "greeting",
			Description: "Say hello to {{name}}.",
			Arguments:   []schema.PromptArgument{{Name: "name", Required: true}},
		}, nil),
		server.WithMCPCompletions("greeting", "name", []string{"Alice", "Albert", "Bob"}),
		server.WithMCPResource(schema.Resource{
			URI:      "mem://motd",
			Name:     "motd",
			MimeType: "text/plain",
		}, func(ctx context.Context, session shared.ISessionCtx, uri string, _ map[string]string) ([]schema.ResourceContent, error) {
			return []schema.ResourceContent{{URI: uri, MimeType: "text/plain", Text: "hello from mcplane"}}, nil
		}),
	)
	if err != nil {
		logger.Fatal("Failed to start server", zap.Error(err))
	}

	select {
	case err := <-listenerErr:
		if err != nil {
			logger.Error("Listener failed", zap.Error(err))
		}
	case <-ctx.Done():
		logger.Info("Shutting down...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}

// addTool adds two numbers and returns a structured sum.
func addTool() capability.Tool {
	return capability.Tool{
		Tool: schema.Tool{
			Name:        "add",
			Description: "Add two numbers.",
			InputSchema: schema.NewObjectSchema(map[string]*schema.JSONSchemaProperty{
				"a": schema.NewNumberSchema("First addend"),
				"b": schema.NewNumberSchema("Second addend"),
			}, []string{"a", "b"}),
			OutputSchema: schema.NewObjectSchema(map[string]*schema.JSONSchemaProperty{
				"sum": schema.NewNumberSchema("The sum"),
			}, []string{"sum"}),
		},
		Handler: func(ctx context.Context, session shared.ISessionCtx, arguments schema.Arguments) (*capability.ToolResult, error) {
			a, aOK := arguments["a"].(float64)
			b, bOK := arguments["b"].(float64)
			if !aOK || !bOK {
				return nil, fmt.Errorf("arguments a and b must be numbers")
			}
			sum := a + b
			return &capability.ToolResult{
				Content:           []schema.Content{schema.NewTextContent(fmt.Sprintf("%g", sum))},
				StructuredContent: map[string]interface{}{"sum": sum},
			}, nil
		},
	}
}

// slowEchoTool sleeps before echoing, and supports task-augmented calls
// with progress notifications.
func slowEchoTool() capability.Tool {
	return capability.Tool{
		Tool: schema.Tool{
			Name:        "slow_echo",
			Description: "Echo text after a delay.",
			InputSchema: schema.NewObjectSchema(map[string]*schema.JSONSchemaProperty{
				"text":     schema.NewStringSchema("Text to echo"),
				"delay_ms": schema.NewIntegerSchema("Delay in milliseconds"),
			}, []string{"text"}),
		},
		SupportsTasks: true,
		Handler: func(ctx context.Context, session shared.ISessionCtx, arguments schema.Arguments) (*capability.ToolResult, error) {
			text, _ := arguments["text"].(string)
			delay := 100 * time.Millisecond
			if ms, ok := arguments["delay_ms"].(float64); ok && ms > 0 {
				delay = time.Duration(ms) * time.Millisecond
			}

			steps := 4
			for i := 1; i <= steps; i++ {
				select {
				case <-time.After(delay / time.Duration(steps)):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				total := float64(steps)
				session.NotifyProgress(nil, float64(i), &total, "echoing") //nolint:errcheck
			}
			return &capability.ToolResult{
				Content: []schema.Content{schema.NewTextContent(text)},
			}, nil
		},
	}
}
