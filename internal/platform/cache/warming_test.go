package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type stubProvider struct {
	name  string
	err   error
	calls atomic.Int32
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) Warmup(ctx context.Context) error {
	p.calls.Add(1)
	return p.err
}

func TestWarmer_ParallelContinuesOnError(t *testing.T) {
	w := NewWarmer(nil, DefaultWarmupConfig())

	ok := &stubProvider{name: "feed:all"}
	bad := &stubProvider{name: "feed:species=dog", err: errors.New("network timeout")}
	w.RegisterProvider(ok)
	w.RegisterProvider(bad)

	res := w.Warmup(context.Background())

	if len(res.Results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(res.Results))
	}
	if res.Results[0].Provider != "feed:all" || res.Results[1].Provider != "feed:species=dog" {
		t.Errorf("Expected results in registration order, got %+v", res.Results)
	}
	if !res.HasErrors() || res.Errors != 1 {
		t.Errorf("Expected 1 error, got %d", res.Errors)
	}
	if ok.calls.Load() != 1 || bad.calls.Load() != 1 {
		t.Error("Expected every provider called once")
	}
}

func TestWarmer_SequentialStopsOnError(t *testing.T) {
	w := NewWarmer(nil, WarmupConfig{Timeout: time.Second})

	first := &stubProvider{name: "first", err: errors.New("unauthorized")}
	second := &stubProvider{name: "second"}
	w.RegisterProvider(first)
	w.RegisterProvider(second)

	res := w.Warmup(context.Background())

	if len(res.Results) != 1 {
		t.Errorf("Expected stop after first failure, got %d results", len(res.Results))
	}
	if second.calls.Load() != 0 {
		t.Error("second provider should not run")
	}
}

func TestWarmer_NoProviders(t *testing.T) {
	res := NewWarmer(nil, DefaultWarmupConfig()).Warmup(context.Background())
	if res.HasErrors() || len(res.Results) != 0 {
		t.Errorf("Expected empty results, got %+v", res)
	}
}
