package router

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/imara/internal/provider"
)

// scriptedAdapter fails with the given kinds in order, then succeeds.
type scriptedAdapter struct {
	mu    sync.Mutex
	name  string
	fails []provider.ErrorKind
	calls int
	raw   json.RawMessage
}

func (a *scriptedAdapter) Name() string { return a.name }

func (a *scriptedAdapter) Analyze(_ context.Context, _ *provider.Request) (json.RawMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := a.calls
	a.calls++
	if idx < len(a.fails) {
		return nil, &provider.Error{Provider: a.name, Kind: a.fails[idx]}
	}
	if a.raw == nil {
		return json.RawMessage(`{"risk_score":2,"action":"ADVISE","summary":"ok"}`), nil
	}
	return a.raw, nil
}

func (a *scriptedAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func alwaysFail(name string, kind provider.ErrorKind) *scriptedAdapter {
	fails := make([]provider.ErrorKind, 64)
	for i := range fails {
		fails[i] = kind
	}
	return &scriptedAdapter{name: name, fails: fails}
}

func fastRouter(registry *provider.Registry, chains *Chains, hooks Hooks) *Router {
	r := New(registry, chains, log.Nop(), hooks)
	r.initialBackoff = time.Millisecond
	r.maxBackoff = 2 * time.Millisecond
	return r
}

func textChain(entries ...ProviderConfig) *Chains {
	return &Chains{Text: entries}
}

func TestRoute_FirstSuccessWins(t *testing.T) {
	t.Parallel()

	p1 := &scriptedAdapter{name: "p1"}
	p2 := &scriptedAdapter{name: "p2"}
	registry := provider.NewRegistry()
	registry.Register(p1)
	registry.Register(p2)

	r := fastRouter(registry, textChain(
		ProviderConfig{Provider: "p1", MaxRetries: 3},
		ProviderConfig{Provider: "p2", MaxRetries: 3},
	), Hooks{})

	res := r.Route(context.Background(), provider.ModalityText, &provider.Request{Text: "x"})
	if res.Degraded {
		t.Fatal("expected non-degraded result")
	}
	if res.Provider != "p1" {
		t.Errorf("provider = %q, want p1", res.Provider)
	}
	if p2.callCount() != 0 {
		t.Errorf("p2 called %d times, want 0", p2.callCount())
	}
}

func TestRoute_FallbackAfterRateLimits(t *testing.T) {
	t.Parallel()

	p1 := alwaysFail("p1", provider.KindRateLimited)
	p2 := alwaysFail("p2", provider.KindRateLimited)
	p3 := &scriptedAdapter{name: "p3"}
	registry := provider.NewRegistry()
	registry.Register(p1)
	registry.Register(p2)
	registry.Register(p3)

	r := fastRouter(registry, textChain(
		ProviderConfig{Provider: "p1", MaxRetries: 2},
		ProviderConfig{Provider: "p2", MaxRetries: 2},
		ProviderConfig{Provider: "p3", MaxRetries: 2},
	), Hooks{})

	res := r.Route(context.Background(), provider.ModalityText, &provider.Request{Text: "x"})
	if res.Degraded {
		t.Fatal("expected non-degraded result")
	}
	if res.Provider != "p3" {
		t.Errorf("provider = %q, want p3", res.Provider)
	}
	if p1.callCount() != 2 {
		t.Errorf("p1 called %d times, want max_retries=2", p1.callCount())
	}
	if p2.callCount() != 2 {
		t.Errorf("p2 called %d times, want max_retries=2", p2.callCount())
	}
}

func TestRoute_AuthSkipsWithoutRetry(t *testing.T) {
	t.Parallel()

	p1 := alwaysFail("p1", provider.KindAuth)
	p2 := &scriptedAdapter{name: "p2"}
	registry := provider.NewRegistry()
	registry.Register(p1)
	registry.Register(p2)

	r := fastRouter(registry, textChain(
		ProviderConfig{Provider: "p1", MaxRetries: 5},
		ProviderConfig{Provider: "p2", MaxRetries: 1},
	), Hooks{})

	res := r.Route(context.Background(), provider.ModalityText, &provider.Request{Text: "x"})
	if res.Provider != "p2" {
		t.Errorf("provider = %q, want p2", res.Provider)
	}
	if p1.callCount() != 1 {
		t.Errorf("p1 called %d times, want 1 (no retry on auth)", p1.callCount())
	}
}

func TestRoute_TimeoutAdvancesWithoutRetry(t *testing.T) {
	t.Parallel()

	p1 := alwaysFail("p1", provider.KindTimeout)
	p2 := &scriptedAdapter{name: "p2"}
	registry := provider.NewRegistry()
	registry.Register(p1)
	registry.Register(p2)

	r := fastRouter(registry, textChain(
		ProviderConfig{Provider: "p1", MaxRetries: 4},
		ProviderConfig{Provider: "p2", MaxRetries: 1},
	), Hooks{})

	res := r.Route(context.Background(), provider.ModalityText, &provider.Request{Text: "x"})
	if res.Provider != "p2" {
		t.Errorf("provider = %q, want p2", res.Provider)
	}
	if p1.callCount() != 1 {
		t.Errorf("p1 called %d times, want 1 (no retry on timeout)", p1.callCount())
	}
}

func TestRoute_TotalOutageIsDegraded(t *testing.T) {
	t.Parallel()

	registry := provider.NewRegistry()
	registry.Register(alwaysFail("p1", provider.KindUnavailable))
	registry.Register(alwaysFail("p2", provider.KindRateLimited))

	var routedDegraded bool
	r := fastRouter(registry, textChain(
		ProviderConfig{Provider: "p1", MaxRetries: 2},
		ProviderConfig{Provider: "p2", MaxRetries: 2},
	), Hooks{
		OnRouted: func(_ provider.Modality, _ int, degraded bool) { routedDegraded = degraded },
	})

	res := r.Route(context.Background(), provider.ModalityText, &provider.Request{Text: "x"})
	if !res.Degraded {
		t.Fatal("expected degraded result")
	}
	if res.Provider != "" {
		t.Errorf("provider = %q, want empty", res.Provider)
	}
	if !routedDegraded {
		t.Error("expected OnRouted degraded=true")
	}
}

func TestRoute_SkipsUnregisteredProvider(t *testing.T) {
	t.Parallel()

	p2 := &scriptedAdapter{name: "p2"}
	registry := provider.NewRegistry()
	registry.Register(p2)

	r := fastRouter(registry, textChain(
		ProviderConfig{Provider: "ghost", MaxRetries: 3},
		ProviderConfig{Provider: "p2", MaxRetries: 1},
	), Hooks{})

	res := r.Route(context.Background(), provider.ModalityText, &provider.Request{Text: "x"})
	if res.Provider != "p2" {
		t.Errorf("provider = %q, want p2", res.Provider)
	}
}

func TestRoute_EmptyChainIsDegraded(t *testing.T) {
	t.Parallel()

	r := fastRouter(provider.NewRegistry(), &Chains{}, Hooks{})
	res := r.Route(context.Background(), provider.ModalityAudio, &provider.Request{})
	if !res.Degraded {
		t.Fatal("expected degraded result for empty chain")
	}
}
