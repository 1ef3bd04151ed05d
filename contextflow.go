// Package contextflow provides a top-level convenience entry point for creating
// a retrieval engine with minimal boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/contextflow"
//
//	eng, err := contextflow.NewDefault()
//	eng, err := contextflow.New(cfg, contextflow.WithEmbedder(myEmbedder))
//
// This is a thin wrapper around [rag.NewEngine]; both produce identical
// results. Use this package when you prefer the shorter import path.
package contextflow

import (
	"github.com/BaSui01/contextflow/rag"
)

// Engine is the hybrid retrieval and context assembly engine.
type Engine = rag.Engine

// Config configures the engine created by [New].
type Config = rag.EngineConfig

// Option configures optional engine dependencies.
type Option = rag.EngineOption

// ContextOptions controls a single context assembly request.
type ContextOptions = rag.ContextOptions

// ContextResult is the assembled context with attribution.
type ContextResult = rag.ContextResult

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return rag.DefaultEngineConfig()
}

// New creates an [Engine] from the given configuration.
func New(cfg Config, opts ...Option) (*Engine, error) {
	return rag.NewEngine(cfg, opts...)
}

// NewDefault creates an [Engine] with default configuration. Without an
// embedder the engine runs in lexical-only mode.
func NewDefault(opts ...Option) (*Engine, error) {
	return rag.NewEngine(rag.DefaultEngineConfig(), opts...)
}

// Re-export engine options so callers never need to import rag/.

// WithEmbedder sets the embedding provider for semantic retrieval.
var WithEmbedder = rag.WithEmbedder

// WithReranker sets the cross-encoder reranking provider.
var WithReranker = rag.WithEngineReranker

// WithGenerator sets the text generation provider used for query optimization.
var WithGenerator = rag.WithEngineGenerator

// WithCache sets a shared multi-tier cache.
var WithCache = rag.WithEngineCache

// WithPool sets a shared worker pool.
var WithPool = rag.WithEnginePool

// WithMetrics sets the Prometheus metrics collector.
var WithMetrics = rag.WithEngineMetrics

// WithTracer sets the OpenTelemetry tracer.
var WithTracer = rag.WithEngineTracer

// WithLogger sets a custom zap logger.
var WithLogger = rag.WithEngineLogger
