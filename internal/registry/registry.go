// Package registry tracks the set of model identifiers the upstream
// inference server actually has loaded, and maps the model a client
// asked for onto one that exists. Deployment skew between gateway
// configuration and the upstream's loaded checkpoints is routine; the
// registry keeps that skew from surfacing as spurious 404s while never
// letting upstream listing failures block request serving.
package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Lister fetches the upstream's current model listing.
type Lister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// Options tunes cache freshness and the forced-refresh retry budget.
type Options struct {
	// TTL after which the cached listing goes stale. Zero or negative
	// means never fresh: every resolution attempts a refresh.
	TTL time.Duration
	// Retries is the attempt budget for forced refreshes (warmup, 404
	// recovery). Unforced refreshes always make a single attempt.
	Retries    int
	RetryDelay time.Duration
}

// Registry is the process-wide model-ID cache. The snapshot is replaced
// wholesale under the refresh gate and only ever read as an immutable
// slice, so readers see a stale-but-consistent listing at worst.
type Registry struct {
	lister     Lister
	ttl        time.Duration
	retries    int
	retryDelay time.Duration
	logger     *zap.Logger

	// gate serializes fetches so concurrent refreshes collapse into a
	// single upstream call.
	gate sync.Mutex

	mu        sync.RWMutex
	models    []string
	lastFetch time.Time

	now func() time.Time
}

func New(lister Lister, opts Options, logger *zap.Logger) *Registry {
	return &Registry{
		lister:     lister,
		ttl:        opts.TTL,
		retries:    opts.Retries,
		retryDelay: opts.RetryDelay,
		logger:     logger,
		now:        time.Now,
	}
}

// Warmup primes the cache at startup. Failure is acceptable: the
// upstream may simply not be up yet.
func (r *Registry) Warmup(ctx context.Context) {
	r.Refresh(ctx, true)
}

// Refresh re-fetches the model listing if it has gone stale, or
// unconditionally when forced. It never returns an error: fetch
// failures are logged and the previous snapshot stays in effect.
// Callers that find a fetch already in flight wait for it instead of
// issuing their own.
func (r *Registry) Refresh(ctx context.Context, force bool) {
	if !force && r.fresh() {
		return
	}

	entered := r.now()
	r.gate.Lock()
	defer r.gate.Unlock()

	// A fetch that completed while we waited on the gate covers this
	// call; forced callers only skip when that fetch is newer than
	// their own arrival.
	if !force && r.fresh() {
		return
	}
	if r.lastFetchTime().After(entered) {
		return
	}

	attempts := 1
	if force && r.retries > 1 {
		attempts = r.retries
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		ids, err := r.lister.ListModels(ctx)
		if err == nil {
			r.mu.Lock()
			r.models = ids
			r.lastFetch = r.now()
			r.mu.Unlock()
			return
		}
		lastErr = err

		if i < attempts-1 {
			select {
			case <-time.After(r.retryDelay):
			case <-ctx.Done():
				r.logger.Warn("model listing refresh abandoned", zap.Error(ctx.Err()))
				return
			}
		}
	}

	r.logger.Warn("failed to fetch model listing from upstream", zap.Error(lastErr))
}

// Resolve maps the client-requested model onto one the upstream knows.
// Priority: requested if listed, then the configured default if listed,
// then the first listed model. With an empty cache (listing never
// succeeded) it falls back to requested, then default, then "".
func (r *Registry) Resolve(ctx context.Context, requested, defaultModel string) string {
	r.Refresh(ctx, false)

	models := r.Models()

	var candidates []string
	if requested != "" {
		candidates = append(candidates, requested)
	}
	if defaultModel != "" {
		candidates = append(candidates, defaultModel)
	}

	for _, c := range candidates {
		for _, m := range models {
			if m == c {
				return c
			}
		}
	}

	if len(models) > 0 {
		return models[0]
	}

	if requested != "" {
		return requested
	}
	return defaultModel
}

// RetryModelFor404 decides whether a buffered 404 warrants a single
// retry with a corrected model. Only an upstream-reported model-not-found
// signal qualifies; an unrelated 404 must pass through untouched. On a
// positive signal the listing is force-refreshed and resolution redone.
func (r *Registry) RetryModelFor404(ctx context.Context, status int, body []byte, requested, defaultModel string) (string, bool) {
	if status != http.StatusNotFound {
		return "", false
	}
	if !isModelNotFound(body) {
		return "", false
	}

	r.Refresh(ctx, true)

	model := r.Resolve(ctx, requested, defaultModel)
	if model == "" {
		return "", false
	}
	return model, true
}

// Models returns a copy of the current snapshot. The listing survives
// upstream outages: it only changes on a successful fetch.
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.models...)
}

func (r *Registry) fresh() bool {
	if r.ttl <= 0 {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.now().Sub(r.lastFetch) < r.ttl
}

func (r *Registry) lastFetchTime() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastFetch
}

// isModelNotFound inspects an OpenAI-style error body, e.g.
// {"error": {"message": "The model ... does not exist.", "code": 404}}.
// The code may arrive as a JSON number or string depending on the server.
func isModelNotFound(body []byte) bool {
	var envelope struct {
		Error struct {
			Code    interface{} `json:"code"`
			Message string      `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return false
	}

	switch code := envelope.Error.Code.(type) {
	case float64:
		if int(code) == http.StatusNotFound {
			return true
		}
	case string:
		if code == "404" {
			return true
		}
	}

	msg := strings.ToLower(envelope.Error.Message)
	return strings.Contains(msg, "does not exist") || strings.Contains(msg, "not found")
}
