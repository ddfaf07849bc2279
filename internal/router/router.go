// Package router tries an ordered list of reasoning providers per
// modality with retry, backoff, and first-success-wins semantics.
//
// The router never fails a request: when every provider in a chain is
// exhausted it returns a degraded result and the normalizer supplies
// the safe default decision.
package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/imara/internal/provider"
)

const (
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 8 * time.Second
)

// Result is the outcome of routing one analysis request.
type Result struct {
	Raw      json.RawMessage
	Provider string
	Degraded bool
}

// Hooks receives routing telemetry (wired to Prometheus by main).
type Hooks struct {
	OnAttempt func(providerName string, kind provider.ErrorKind, ok bool, duration float64)
	OnRouted  func(modality provider.Modality, depth int, degraded bool)
}

// Router holds the adapter registry and per-modality fallback chains.
// It is stateless across requests and safe for concurrent use.
type Router struct {
	registry *provider.Registry
	chains   *Chains
	logger   log.Logger
	hooks    Hooks

	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// New creates a Router. The chain config is read-only from here on.
func New(registry *provider.Registry, chains *Chains, logger log.Logger, hooks Hooks) *Router {
	if logger == nil {
		logger = log.Nop()
	}
	return &Router{
		registry:       registry,
		chains:         chains,
		logger:         logger,
		hooks:          hooks,
		initialBackoff: defaultInitialBackoff,
		maxBackoff:     defaultMaxBackoff,
	}
}

// Route walks the fallback chain for the modality in configured order.
// RATE_LIMITED and UNAVAILABLE failures are retried with exponential
// backoff up to the provider's budget; TIMEOUT, AUTH, and MALFORMED
// advance to the next provider immediately. Total outage yields a
// degraded Result, never an error.
func (r *Router) Route(ctx context.Context, m provider.Modality, req *provider.Request) *Result {
	L := r.logger.With("modality", string(m))

	for i, pc := range r.chains.For(m) {
		ad, ok := r.registry.Get(pc.Provider)
		if !ok {
			L.Warn(ctx, "chain references unregistered provider", "provider", pc.Provider)
			continue
		}

		raw, err := r.attempt(ctx, ad, pc, req)
		if err == nil {
			if r.hooks.OnRouted != nil {
				r.hooks.OnRouted(m, i+1, false)
			}
			return &Result{Raw: raw, Provider: pc.Provider}
		}

		L.Warn(ctx, "provider exhausted, advancing chain",
			"provider", pc.Provider,
			"kind", string(provider.KindOf(err)),
			"error", err,
		)
	}

	L.Warn(ctx, "all providers failed, returning degraded result")
	if r.hooks.OnRouted != nil {
		r.hooks.OnRouted(m, len(r.chains.For(m)), true)
	}
	return &Result{Degraded: true}
}

// attempt runs up to pc.Tries() calls against one adapter. Each call
// carries its own deadline; backoff only applies between retryable
// failures.
func (r *Router) attempt(ctx context.Context, ad provider.Adapter, pc ProviderConfig, req *provider.Request) (json.RawMessage, error) {
	op := func() (json.RawMessage, error) {
		start := time.Now()
		cctx, cancel := context.WithTimeout(ctx, pc.Timeout())
		defer cancel()

		call := *req
		call.Timeout = pc.Timeout()

		raw, err := ad.Analyze(cctx, &call)
		if r.hooks.OnAttempt != nil {
			kind := provider.ErrorKind("")
			if err != nil {
				kind = provider.KindOf(err)
			}
			r.hooks.OnAttempt(ad.Name(), kind, err == nil, time.Since(start).Seconds())
		}
		if err != nil {
			switch provider.KindOf(err) {
			case provider.KindRateLimited, provider.KindUnavailable:
				return nil, err
			default:
				// AUTH won't repair itself; TIMEOUT and MALFORMED mean
				// this provider is not going to answer usefully either.
				return nil, backoff.Permanent(err)
			}
		}
		return raw, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initialBackoff
	b.Multiplier = 2
	b.MaxInterval = r.maxBackoff

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(pc.Tries()),
	)
}
