// SPDX-License-Identifier: MIT

package platform

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/quillcast/teleprompter-engine/internal/backend"
	"github.com/quillcast/teleprompter-engine/internal/locale"
)

type fakeRecognizer struct {
	mu           sync.Mutex
	supported    []string
	startedWith  string
	onHypothesis func(string)
	onError      func(error)
	fedFrames    int
	stopped      bool
}

func (f *fakeRecognizer) SupportedLocales() []string {
	return f.supported
}

func (f *fakeRecognizer) Start(ctx context.Context, localeTag string, onHypothesis func(string), onError func(error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startedWith = localeTag
	f.onHypothesis = onHypothesis
	f.onError = onError
	return nil
}

func (f *fakeRecognizer) Feed(frame []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fedFrames++
	return nil
}

func (f *fakeRecognizer) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func TestBackend_ResolvesLocaleFromPageHint(t *testing.T) {
	rec := &fakeRecognizer{}
	b := New(rec)
	if err := b.Configure(Config{PageText: "こんにちは世界"}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := b.Start(context.Background(), 1, backend.Events{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if rec.startedWith != "ja-JP" {
		t.Fatalf("got locale %q, want ja-JP", rec.startedWith)
	}
}

func TestBackend_ExplicitLocaleOverridesHint(t *testing.T) {
	rec := &fakeRecognizer{}
	b := New(rec)
	_ = b.Configure(Config{LocaleCfg: locale.Config{SpeechLocale: "es-ES"}, PageText: "你好"})
	_ = b.Start(context.Background(), 1, backend.Events{})
	if rec.startedWith != "es-ES" {
		t.Fatalf("got locale %q, want es-ES", rec.startedWith)
	}
}

func TestBackend_NegotiatesAgainstSupportedLocales(t *testing.T) {
	rec := &fakeRecognizer{supported: []string{"en-US", "zh-CN"}}
	b := New(rec)
	_ = b.Configure(Config{LocaleCfg: locale.Config{SpeechLocale: "zh-TW"}, PageText: "你好"})
	_ = b.Start(context.Background(), 1, backend.Events{})
	if rec.startedWith != "zh-CN" {
		t.Fatalf("got locale %q, want zh-CN (same-language match against recognizer capabilities)", rec.startedWith)
	}
}

func TestBackend_TranscriptCarriesGeneration(t *testing.T) {
	rec := &fakeRecognizer{}
	b := New(rec)
	_ = b.Configure(Config{})

	var got backend.Transcript
	_ = b.Start(context.Background(), 42, backend.Events{
		OnTranscript: func(tr backend.Transcript) { got = tr },
	})
	rec.onHypothesis("hello world")

	if got.Generation != 42 || got.Text != "hello world" {
		t.Fatalf("got %+v", got)
	}
}

func TestBackend_ErrorAfterStopIsSuppressed(t *testing.T) {
	rec := &fakeRecognizer{}
	b := New(rec)
	_ = b.Configure(Config{})

	exitCalled := false
	_ = b.Start(context.Background(), 1, backend.Events{
		OnExit: func(backend.Exit) { exitCalled = true },
	})
	_ = b.Stop()
	rec.onError(errors.New("late error after intentional stop"))

	if exitCalled {
		t.Fatalf("exit event should be suppressed after an intentional stop")
	}
}
