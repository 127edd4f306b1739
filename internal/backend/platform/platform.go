// SPDX-License-Identifier: MIT

// Package platform implements the Platform Recognizer backend variant
// (§4.2): a cumulative, always-on-device speech recognizer accessed
// through a narrow Recognizer seam. The seam exists because the actual
// OS speech APIs are platform-specific and not reachable from this
// module; production builds supply a concrete Recognizer behind a build
// tag, and this package owns only the locale-resolution policy and the
// cumulative-transcript wiring around it.
package platform

import (
	"context"
	"fmt"
	"sync"

	"github.com/quillcast/teleprompter-engine/internal/backend"
	"github.com/quillcast/teleprompter-engine/internal/locale"
)

// Recognizer is the narrow platform speech API seam. A concrete
// implementation streams audio frames in and cumulative transcript
// hypotheses out via onHypothesis.
type Recognizer interface {
	// SupportedLocales returns the locale tags the recognizer can start
	// with. An empty/nil result means the recognizer has no queryable
	// capability list and accepts any locale tag unnegotiated (§4.2).
	SupportedLocales() []string
	Start(ctx context.Context, localeTag string, onHypothesis func(text string), onError func(error)) error
	Feed(frame []float32) error
	Stop() error
}

// Config configures the platform backend.
type Config struct {
	LocaleCfg locale.Config
	PageText  string // current page, used only for the CJK-hint locale resolution
}

// Backend wraps a Recognizer with locale resolution and generation
// tagging so it satisfies backend.Backend.
type Backend struct {
	mu    sync.Mutex
	rec   Recognizer
	cfg   Config
	gen   uint64
	ended bool
}

var _ backend.Backend = (*Backend)(nil)

// New wraps rec. rec must be non-nil; production wiring supplies the
// platform-specific implementation at startup.
func New(rec Recognizer) *Backend {
	return &Backend{rec: rec}
}

func (b *Backend) Kind() backend.Kind { return backend.Platform }

func (b *Backend) Configure(cfg any) error {
	c, ok := cfg.(Config)
	if !ok {
		return fmt.Errorf("platform: invalid config type %T", cfg)
	}
	b.mu.Lock()
	b.cfg = c
	b.mu.Unlock()
	return nil
}

func (b *Backend) Start(ctx context.Context, generation uint64, events backend.Events) error {
	b.mu.Lock()
	b.gen = generation
	b.ended = false
	cfg := b.cfg
	b.mu.Unlock()

	localeTag := locale.Resolve(cfg.LocaleCfg, cfg.PageText, b.rec.SupportedLocales())

	return b.rec.Start(ctx, localeTag, func(text string) {
		b.mu.Lock()
		gen := b.gen
		b.mu.Unlock()
		if events.OnTranscript != nil {
			events.OnTranscript(backend.Transcript{Text: text, Generation: gen})
		}
	}, func(err error) {
		b.mu.Lock()
		gen := b.gen
		ended := b.ended
		b.ended = true
		b.mu.Unlock()
		if ended {
			return
		}
		if events.OnError != nil {
			events.OnError(backend.RuntimeError{Line: err.Error(), Generation: gen})
		}
		if events.OnExit != nil {
			events.OnExit(backend.Exit{Code: -1, Generation: gen})
		}
	})
}

func (b *Backend) Feed(frame []float32) error {
	return b.rec.Feed(frame)
}

func (b *Backend) Stop() error {
	b.mu.Lock()
	b.ended = true
	b.mu.Unlock()
	return b.rec.Stop()
}
