// Package embedpool provides a bounded worker pool that turns chunks into
// vectors, applying model-specific prefix injection and L2 normalization
// the same way for both the indexing path (passages) and the retrieval
// path (queries), so both land in the same vector space.
package embedpool

import "time"

// PrefixFormat names the strings a model expects prepended to passage and
// query text before embedding (e.g. E5-style "passage: "/"query: ").
type PrefixFormat struct {
	Query   string
	Passage string
}

// ModelCapability describes what an embedding model needs from its caller:
// whether it wants prefixed input and whether its output vectors need
// normalizing before they can be compared by inner product.
type ModelCapability struct {
	ModelID                string
	RequiresPrefix         bool
	PrefixFormat           PrefixFormat
	RequiresNormalization  bool
	NormalizationType      string // "l2"
	ExtractionStrategy     string // "rich" | "similarity_only"
}

// Options configures a Pool's concurrency and retry behavior.
type Options struct {
	// Workers is the number of long-lived embedding workers. Defaults to 2,
	// per the pipeline's documented efficiency sweet spot of roughly half
	// the logical CPU cores split across two workers with small
	// intra-worker thread counts.
	Workers int

	// BatchSize defaults to 1, measured to outperform larger batches for
	// ONNX-style embedding models on this workload. Pool does not read it:
	// every worker submits exactly one text per embedder call.
	BatchSize int

	// MaxRetries bounds the retry attempts per failed embedding call.
	MaxRetries int

	// InitialBackoff is the delay before the first retry; it doubles on
	// each subsequent attempt (1s, 2s, 4s by default).
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential backoff delay.
	MaxBackoff time.Duration
}

// DefaultOptions returns the pipeline's documented concurrency defaults.
func DefaultOptions() Options {
	return Options{
		Workers:        2,
		BatchSize:      1,
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     4 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	out := o
	if out.Workers <= 0 {
		out.Workers = 2
	}
	if out.BatchSize <= 0 {
		out.BatchSize = 1
	}
	if out.MaxRetries < 0 {
		out.MaxRetries = 0
	}
	if out.InitialBackoff < 0 {
		out.InitialBackoff = 1 * time.Second
	}
	if out.MaxBackoff < 0 {
		out.MaxBackoff = 4 * time.Second
	}
	return out
}

// Result is one text's embedding outcome. Err is set (and Vector nil) when
// every retry attempt failed; the pipeline records this as a failure and
// moves on rather than blocking the whole batch.
type Result struct {
	Vector []float32
	Err    error
}
