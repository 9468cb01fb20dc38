// Package engine provides inference engine adapters for the worker.
package engine

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/dontdude/goclip/internal/domain"
)

// Type selects an engine implementation.
type Type string

const (
	// TypeHTTP talks to a model-serving sidecar.
	TypeHTTP Type = "http"
	// TypeHash computes deterministic pseudo embeddings in process.
	TypeHash Type = "hash"
)

// Config holds the settings of every engine type.
type Config struct {
	Type       Type
	URL        string
	Timeout    time.Duration
	CacheSize  int
	Dimensions int
}

// New creates the engine named by cfg.Type.
func New(cfg Config) (domain.Engine, error) {
	slog.Info("Creating inference engine", "type", cfg.Type)

	var (
		eng domain.Engine
		err error
	)
	switch cfg.Type {
	case TypeHTTP:
		eng, err = NewHTTPEngine(HTTPConfig{URL: cfg.URL, Timeout: cfg.Timeout, CacheSize: cfg.CacheSize})
	case TypeHash:
		eng, err = NewHashEngine(cfg.Dimensions, cfg.CacheSize)
	default:
		return nil, fmt.Errorf("unsupported engine type: %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	return eng, nil
}
