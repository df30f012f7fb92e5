package embedpool

import (
	"context"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/folderkb/engine/internal/embed"
	"github.com/folderkb/engine/internal/errors"
)

// Pool is a fixed-size worker pool around an embed.Embedder that applies
// the embedding model's prefix and normalization requirements uniformly.
type Pool struct {
	embedder   embed.Embedder
	capability ModelCapability
	opts       Options
	breaker    *errors.CircuitBreaker
}

// New creates a Pool around embedder using capability to decide prefix
// injection and normalization. A circuit breaker wraps every embed call so
// a down or overloaded embedder (e.g. Ollama unreachable) fails fast for
// the rest of a batch instead of every worker separately retrying the same
// dead endpoint to exhaustion.
func New(embedder embed.Embedder, capability ModelCapability, opts Options) *Pool {
	resolved := opts.withDefaults()
	breaker := errors.NewCircuitBreaker(
		"embedpool:"+embedder.ModelName(),
		errors.WithMaxFailures(resolved.Workers*resolved.MaxRetries),
		errors.WithResetTimeout(resolved.MaxBackoff),
	)
	return &Pool{embedder: embedder, capability: capability, opts: resolved, breaker: breaker}
}

// EmbedPassages embeds a batch of chunk texts for indexing, one call per
// text (batch size 1; Options.BatchSize is not consulted), retrying each failed text up to
// opts.MaxRetries times with exponential backoff before recording its
// failure. The returned slice has exactly len(texts) entries, in order.
func (p *Pool) EmbedPassages(ctx context.Context, texts []string) []Result {
	return p.embedAll(ctx, texts, p.capability.PrefixFormat.Passage)
}

// EmbedQuery embeds a single retrieval query using the query prefix, so it
// lands in the same vector space as indexed passages.
func (p *Pool) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	results := p.embedAll(ctx, []string{query}, p.capability.PrefixFormat.Query)
	return results[0].Vector, results[0].Err
}

// ModelName returns the underlying embedder's model identifier, so callers
// persisting embeddings can record which model produced them without
// holding a separate reference to the embedder.
func (p *Pool) ModelName() string {
	return p.embedder.ModelName()
}

// embedAll fans texts out across the worker pool, one embedding call per
// text (batch size 1), bounded to opts.Workers concurrent in flight.
func (p *Pool) embedAll(ctx context.Context, texts []string, prefix string) []Result {
	results := make([]Result, len(texts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)

	for i, text := range texts {
		i, text := i, text
		g.Go(func() error {
			results[i] = p.embedOne(gctx, text, prefix)
			return nil
		})
	}
	_ = g.Wait() // workers never return an error; failures are recorded per-Result

	return results
}

// embedOne embeds a single text, applying the prefix (if the model
// requires one), retrying transient failures, and L2-normalizing the
// result (if the model requires it).
func (p *Pool) embedOne(ctx context.Context, text, prefix string) Result {
	if !p.breaker.Allow() {
		return Result{Err: errors.Wrap(errors.ErrCodeEmbeddingFailed, errors.ErrCircuitOpen)}
	}

	input := text
	if p.capability.RequiresPrefix && prefix != "" {
		input = prefix + text
	}

	var vector []float32
	retryCfg := embed.RetryConfig{
		MaxRetries:   p.opts.MaxRetries,
		InitialDelay: p.opts.InitialBackoff,
		MaxDelay:     p.opts.MaxBackoff,
		Multiplier:   2.0,
	}

	err := embed.DownloadWithRetry(ctx, retryCfg, func() error {
		v, embedErr := p.embedder.Embed(ctx, input)
		if embedErr != nil {
			return embedErr
		}
		vector = v
		return nil
	})
	if err != nil {
		p.breaker.RecordFailure()
		return Result{Err: errors.Wrap(errors.ErrCodeEmbeddingFailed, err)}
	}
	p.breaker.RecordSuccess()

	if p.capability.RequiresNormalization {
		vector = l2Normalize(vector)
	}

	return Result{Vector: vector}
}

// l2Normalize scales v to unit length; a zero vector is returned unchanged
// since it has no direction to normalize.
func l2Normalize(v []float32) []float32 {
	var sumSquares float64
	for _, x := range v {
		sumSquares += float64(x) * float64(x)
	}
	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / magnitude)
	}
	return out
}
