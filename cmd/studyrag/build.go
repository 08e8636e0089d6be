package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/perbu/studyrag/internal/metrics"
	"github.com/perbu/studyrag/pkg/bundle"
	"github.com/perbu/studyrag/pkg/embedder"
	"github.com/perbu/studyrag/pkg/loader"
	"github.com/perbu/studyrag/pkg/segment"
	"github.com/perbu/studyrag/pkg/vectorindex"
)

func newBuildCmd(a *app) *cobra.Command {
	var (
		root        string
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Load sources, embed every segment and write a bundle",
		Long: `Load sources, embed every segment and write a bundle.

Sources are given as type=path or path, relative to --root. A directory is
read recursively; .json, .jsonl and .md files are loaded. Progress is
checkpointed so an interrupted build resumes where it stopped.`,
		Example: `  studyrag build --source scripture=data/bom.json --source conference=data/talks --bundle bundle`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.build(ctx, root, metricsAddr)
		},
	}
	f := cmd.Flags()
	f.StringArray("source", nil, "source as type=path or path, repeatable")
	f.StringVar(&root, "root", ".", "directory source paths are relative to")
	f.String("checkpoint", "", "checkpoint file, defaults to <bundle>.checkpoint.gob")
	f.Int("batch-size", 100, "texts per embedding call")
	f.Int("concurrency", 4, "embedding calls in flight")
	f.Float64("rate-limit", 0, "embedding calls per second, 0 for unlimited")
	f.StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics on this address while building")
	return cmd
}

func (a *app) build(ctx context.Context, root, metricsAddr string) error {
	cfg := a.cfg
	if len(cfg.Sources) == 0 {
		return errors.New("no sources given; use --source or STUDYRAG_SOURCES")
	}

	fmt.Println("studyrag bundle build")
	fmt.Println("=====================")
	fmt.Println()

	m := metrics.New()
	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Warn("metrics server stopped", "error", err)
			}
		}()
		defer srv.Close()
	}

	// Step 1: Load sources
	fmt.Println("Step 1: Loading sources...")
	sources, err := parseSources(root, cfg.Sources)
	if err != nil {
		return err
	}
	segs, report, err := loader.LoadAll(loader.OSFS(root), sources, a.logger)
	if err != nil {
		return fmt.Errorf("load sources: %w", err)
	}
	if len(segs) == 0 {
		return errors.New("no segments loaded")
	}
	fmt.Printf("  ✓ Loaded %d segments from %d files (%d records skipped)\n\n", report.Loaded, report.Files, report.Skipped)

	// Step 2: Initialize embedder
	fmt.Println("Step 2: Initializing embedder...")
	emb, err := newEmbedder(cfg.Embedding)
	if err != nil {
		return fmt.Errorf("initialize embedder: %w", err)
	}
	fmt.Printf("  ✓ Embedder initialized (model=%s, dim=%d)\n\n", emb.ModelInfo(), emb.Dimension())

	// Step 3: Embed with checkpointing
	fmt.Println("Step 3: Generating embeddings...")
	texts := segmentTexts(segs)
	cpPath := cfg.Checkpoint
	if cpPath == "" {
		cpPath = filepath.Clean(cfg.BundleDir) + ".checkpoint.gob"
	}
	key := bundle.CheckpointKey{
		Model:     emb.ModelInfo(),
		Dimension: emb.Dimension(),
		BatchSize: cfg.Embedding.BatchSize,
		Texts:     texts,
	}
	cp, resumed, err := bundle.OpenCheckpoint(cpPath, key, 5)
	if errors.Is(err, bundle.ErrCorrupt) {
		a.logger.Warn("discarding unreadable checkpoint", "path", cpPath, "error", err)
		if err := os.Remove(cpPath); err != nil {
			return fmt.Errorf("remove checkpoint: %w", err)
		}
		cp, resumed, err = bundle.OpenCheckpoint(cpPath, key, 5)
	}
	if err != nil {
		return err
	}
	if resumed {
		fmt.Printf("  ✓ Resuming from checkpoint (%d batches already embedded)\n", len(cp.Completed()))
	}

	builder, err := embedder.NewBuilder(embedder.BuilderParams{
		Embedder:    emb,
		BatchSize:   cfg.Embedding.BatchSize,
		Concurrency: cfg.Embedding.Concurrency,
		RateLimit:   cfg.Embedding.RateLimit,
		MaxRetries:  uint64(cfg.Embedding.MaxRetries),
		Checkpoint:  cp,
		Progress:    progress,
		Observe:     m.ObserveEmbedding,
		Logger:      a.logger,
	})
	if err != nil {
		return err
	}

	vectors, err := builder.Build(ctx, texts)
	if err != nil {
		if flushErr := cp.Flush(); flushErr != nil {
			a.logger.Error("failed to save checkpoint", "path", cpPath, "error", flushErr)
		} else {
			fmt.Println("\nProgress saved to checkpoint. Run again to resume.")
		}
		return fmt.Errorf("embed segments: %w", err)
	}
	fmt.Printf("  ✓ Generated %d embeddings\n\n", len(vectors))

	// Step 4: Save bundle
	fmt.Println("Step 4: Saving bundle...")
	idx, err := vectorindex.Build(emb.Dimension(), vectors)
	if err != nil {
		return fmt.Errorf("build index: %w", err)
	}
	b, err := bundle.New(emb.ModelInfo(), idx, segs)
	if err != nil {
		return err
	}
	if err := b.Save(cfg.BundleDir); err != nil {
		return fmt.Errorf("save bundle: %w", err)
	}
	fmt.Printf("  ✓ Saved %d segments to %s (build %s)\n\n", b.Manifest.TotalSegments, cfg.BundleDir, b.Manifest.BuildID)

	if err := cp.Remove(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not remove checkpoint file: %v\n", err)
	}

	fmt.Println("Done! Run 'studyrag serve' to start the API.")
	return nil
}

func progress(done, total int) {
	fmt.Printf("\r  Progress: %d/%d (%.1f%%)", done, total, float64(done)/float64(total)*100)
	if done == total {
		fmt.Println()
	}
}

func segmentTexts(segs []segment.Segment) []string {
	out := make([]string, len(segs))
	for i := range segs {
		out[i] = segs[i].Text
	}
	return out
}

// parseSources parses each source and makes absolute paths relative to
// root, since loading happens through an fs.FS rooted there.
func parseSources(root string, raw []string) ([]loader.Source, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	out := make([]loader.Source, 0, len(raw))
	for _, r := range raw {
		src, err := loader.ParseSource(r)
		if err != nil {
			return nil, err
		}
		if filepath.IsAbs(src.Path) {
			rel, err := filepath.Rel(absRoot, src.Path)
			if err != nil {
				return nil, fmt.Errorf("source %s: %w", src, err)
			}
			src.Path = rel
		}
		out = append(out, src)
	}
	return out, nil
}
