package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/perbu/studyrag/internal/api"
	"github.com/perbu/studyrag/internal/metrics"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the search and ask API over a built bundle",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	f := cmd.Flags()
	f.String("addr", ":8080", "listen address")
	f.String("completion-provider", "openai", "completion provider: openai, ollama, none")
	f.String("completion-model", "", "completion model, empty for the provider default")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg
	completer, err := newCompleter(cfg.Completion)
	if err != nil {
		return fmt.Errorf("initialize completer: %w", err)
	}

	m := metrics.New()
	st, err := a.openStack(completer, m)
	if err != nil {
		return err
	}
	manifest := st.bundle.Manifest
	m.SetSegments(manifest.TotalSegments)

	handler := api.NewRouter(api.Params{
		Service: st.service,
		Info: api.Info{
			Segments: manifest.TotalSegments,
			Model:    manifest.EmbeddingModel,
			BuildID:  manifest.BuildID,
		},
		Metrics:      m.Handler(),
		Recorder:     m,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Logger:       a.logger,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("serving",
			"addr", cfg.Server.Addr,
			"segments", manifest.TotalSegments,
			"model", manifest.EmbeddingModel,
			"build_id", manifest.BuildID,
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
