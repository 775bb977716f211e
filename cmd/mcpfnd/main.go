// Command mcpfnd runs the calculator provider for local development, either
// serving it over stdio or SSE, or dispatching a single host event read from
// a file or stdin.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/mcpfn/mcpfn"
	"github.com/mcpfn/mcpfn/example/calculator"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(),
	}))
	slog.SetDefault(logger)

	root := &cobra.Command{
		Use:           "mcpfnd",
		Short:         "Run the calculator provider locally",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(logger), dispatchCmd(logger))

	if err := root.Execute(); err != nil {
		logger.Error("command failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func logLevel() slog.Level {
	if os.Getenv("MCPFN_DEBUG") != "" {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func serveCmd(logger *slog.Logger) *cobra.Command {
	var sseAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the provider over stdio, or SSE with --sse",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			inv := mcpfn.NewInvocation()
			inv.SetArgs(map[string]any{})
			srv, err := calculator.Setup(inv)
			if err != nil {
				return fmt.Errorf("setup provider: %w", err)
			}

			if sseAddr == "" {
				return mcpfn.Serve(ctx, srv, mcpfn.NewStdIO(os.Stdin, os.Stdout), logger)
			}
			return serveSSE(ctx, srv, sseAddr, logger)
		},
	}
	cmd.Flags().StringVar(&sseAddr, "sse", "", "listen address for HTTP+SSE serving, e.g. :8080")
	return cmd
}

func serveSSE(ctx context.Context, srv *mcpfn.Server, addr string, logger *slog.Logger) error {
	transport := mcpfn.NewSSEServer("/message")

	mux := http.NewServeMux()
	mux.Handle("/sse", transport.HandleSSE())
	mux.Handle("/message", transport.HandleMessage())

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", addr))
		errCh <- httpServer.ListenAndServe()
	}()
	go func() {
		if err := mcpfn.Serve(ctx, srv, transport, logger); err != nil {
			logger.Error("serve failed", slog.String("err", err.Error()))
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func dispatchCmd(logger *slog.Logger) *cobra.Command {
	var eventFile string

	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Dispatch one host event from --event or stdin and print the result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				eventBs []byte
				err     error
			)
			if eventFile != "" {
				eventBs, err = os.ReadFile(eventFile)
			} else {
				eventBs, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return fmt.Errorf("read event: %w", err)
			}

			var event mcpfn.Event
			if err := json.Unmarshal(eventBs, &event); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}

			dispatcher := mcpfn.NewDispatcher(calculator.Setup,
				mcpfn.WithDispatcherLogger(logger))
			result := dispatcher.Dispatch(cmd.Context(), event)

			out := json.NewEncoder(cmd.OutOrStdout())
			out.SetIndent("", "  ")
			return out.Encode(result)
		},
	}
	cmd.Flags().StringVar(&eventFile, "event", "", "path to a JSON event file (default: stdin)")
	return cmd
}
