// SPDX-License-Identifier: MIT

// Package backend defines the tagged-variant transcription backend
// abstraction shared by the platform recognizer (§4.2) and the external
// subprocess driver (§4.3): configure, feed audio, stream transcripts,
// shut down.
package backend

import (
	"context"
	"time"
)

// Kind identifies which concrete backend variant is in play. It mirrors
// matcher.BackendKind but lives in this package to avoid a dependency
// cycle; the session controller translates between the two.
type Kind int

const (
	Platform Kind = iota
	ExternalStream
)

func (k Kind) String() string {
	if k == Platform {
		return "platform"
	}
	return "external_stream"
}

// Transcript is a single hypothesis update. For the platform backend, Text
// is cumulative (covers the whole session so far); for the external
// subprocess backend, Text is a segment (covers only the latest speech
// slice). Generation is stamped by the backend at emission time so the
// session controller can discard stale callbacks (§5).
type Transcript struct {
	Text       string
	Generation uint64
	At         time.Time
}

// RuntimeError reports a non-fatal backend error (§4.3's BackendError,
// §7's BackendRuntimeError/TransientAudioUnavailable). The session
// controller decides whether to retry or surface it.
type RuntimeError struct {
	Line       string
	Generation uint64
}

// Exit reports subprocess termination (§4.3's Exit event / §7's
// BackendExited). Code is -1 when the process was killed by signal.
type Exit struct {
	Code       int
	Generation uint64
}

// Events is the callback set a Backend delivers to its owner. All three
// fire on the backend's own goroutine(s); the session controller is
// responsible for posting them to its single serialization context (§5).
type Events struct {
	OnTranscript func(Transcript)
	OnError      func(RuntimeError)
	OnExit       func(Exit)
}

// Backend is the capability set shared by both transcription backend
// variants (§9 design notes: "model as tagged variants with a shared
// trait, not inheritance").
type Backend interface {
	// Kind reports which variant this is; the session controller and the
	// matcher use it to select cumulative vs segment semantics.
	Kind() Kind

	// Configure applies backend-specific settings. Each variant defines
	// its own concrete config type and type-asserts it.
	Configure(cfg any) error

	// Start begins recognition. Context cancellation stops it.
	Start(ctx context.Context, generation uint64, events Events) error

	// Feed delivers a raw audio frame captured by internal/audio.
	Feed(frame []float32) error

	// Stop idempotently tears the backend down. Intentional stops must
	// not deliver a subsequent Exit event (§4.3).
	Stop() error
}
