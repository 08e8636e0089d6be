package embedder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Checkpoint persists completed batches so an interrupted build can resume.
// Record may be called concurrently.
type Checkpoint interface {
	Completed() map[int][][]float32
	Record(batch int, vectors [][]float32) error
}

// BuilderParams configures a Builder. Zero values get defaults.
type BuilderParams struct {
	Embedder             Embedder
	BatchSize            int     // Texts per embedding call, default 100
	Concurrency          int     // Batches in flight, default 4
	RateLimit            float64 // Embedding calls per second, 0 is unlimited
	MaxRetries           uint64  // Retries per batch after the first attempt, default 3
	RetryInitialInterval time.Duration
	Checkpoint           Checkpoint
	Progress             func(done, total int)
	Observe              func(texts int, elapsed time.Duration, err error)
	Logger               *slog.Logger
}

// Builder produces one normalized vector per input text, in input order
type Builder struct {
	embedder    Embedder
	batchSize   int
	concurrency int
	limiter     *rate.Limiter
	maxRetries  uint64
	initial     time.Duration
	checkpoint  Checkpoint
	progress    func(done, total int)
	observe     func(texts int, elapsed time.Duration, err error)
	logger      *slog.Logger
}

// NewBuilder creates a builder
func NewBuilder(p BuilderParams) (*Builder, error) {
	if p.Embedder == nil {
		return nil, errors.New("builder: embedder is required")
	}
	if p.BatchSize <= 0 {
		p.BatchSize = 100
	}
	if p.Concurrency <= 0 {
		p.Concurrency = 4
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
	if p.RetryInitialInterval <= 0 {
		p.RetryInitialInterval = 500 * time.Millisecond
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if p.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(p.RateLimit), 1)
	}

	return &Builder{
		embedder:    p.Embedder,
		batchSize:   p.BatchSize,
		concurrency: p.Concurrency,
		limiter:     limiter,
		maxRetries:  p.MaxRetries,
		initial:     p.RetryInitialInterval,
		checkpoint:  p.Checkpoint,
		progress:    p.Progress,
		observe:     p.Observe,
		logger:      p.Logger,
	}, nil
}

// BatchSize returns the number of texts sent per embedding call
func (b *Builder) BatchSize() int {
	return b.batchSize
}

type span struct {
	start, end int
}

// batches partitions n items into consecutive spans of at most size
func batches(n, size int) []span {
	out := make([]span, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		out = append(out, span{start: start, end: min(start+size, n)})
	}
	return out
}

// Build embeds texts in consecutive batches. Batches run concurrently, but
// each result is written to its own position so the output order always
// matches the input. Any batch that still fails after retries fails the
// whole build.
func (b *Builder) Build(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	dim := b.embedder.Dimension()
	spans := batches(len(texts), b.batchSize)

	var resumed map[int][][]float32
	if b.checkpoint != nil {
		resumed = b.checkpoint.Completed()
	}

	var done atomic.Int64
	report := func(n int) {
		total := done.Add(int64(n))
		if b.progress != nil {
			b.progress(int(total), len(texts))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)

	for i, sp := range spans {
		if vecs, ok := resumed[i]; ok && b.reusable(vecs, sp, dim) {
			copy(out[sp.start:sp.end], vecs)
			report(sp.end - sp.start)
			continue
		}

		g.Go(func() error {
			vecs, err := b.embedBatch(gctx, texts[sp.start:sp.end], dim)
			if err != nil {
				return fmt.Errorf("batch %d (texts %d-%d): %w", i, sp.start, sp.end-1, err)
			}
			copy(out[sp.start:sp.end], vecs)
			if b.checkpoint != nil {
				if err := b.checkpoint.Record(i, vecs); err != nil {
					b.logger.Warn("failed to record checkpoint", "batch", i, "error", err)
				}
			}
			report(sp.end - sp.start)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, v := range out {
		if v == nil {
			return nil, fmt.Errorf("%w: no vector for text %d", ErrCountMismatch, i)
		}
	}
	return out, nil
}

func (b *Builder) reusable(vecs [][]float32, sp span, dim int) bool {
	if len(vecs) != sp.end-sp.start {
		return false
	}
	for _, v := range vecs {
		if Prepare(v, dim) != nil {
			return false
		}
	}
	return true
}

// embedBatch makes one embedding call for texts, retrying transient
// failures. The call is idempotent so a retry never shifts positions.
func (b *Builder) embedBatch(ctx context.Context, texts []string, dim int) ([][]float32, error) {
	var vecs [][]float32

	op := func() error {
		if err := b.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		start := time.Now()
		got, err := b.embedder.EmbedBatch(ctx, texts)
		if err == nil && len(got) != len(texts) {
			err = fmt.Errorf("%w: got %d, expected %d", ErrCountMismatch, len(got), len(texts))
		}
		if err == nil {
			for j, v := range got {
				if perr := Prepare(v, dim); perr != nil {
					err = fmt.Errorf("text %d: %w", j, perr)
					break
				}
			}
		}
		if b.observe != nil {
			b.observe(len(texts), time.Since(start), err)
		}

		if err != nil {
			if !Retryable(err) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		vecs = got
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.initial
	policy.MaxElapsedTime = 0

	notify := func(err error, wait time.Duration) {
		b.logger.Warn("embedding batch failed, retrying", "texts", len(texts), "wait", wait, "error", err)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(policy, b.maxRetries), ctx), notify)
	if err != nil {
		return nil, err
	}
	return vecs, nil
}
