package llm

import (
	"context"
	"log/slog"
	"slices"
	"strings"

	"github.com/nugget/chatrelay/internal/result"
)

// Router sends each request to the backend registered for its model,
// or to the active backend when the model is empty or unknown.
type Router struct {
	backends map[string]Provider // backend name → provider
	models   map[string]string   // model name → backend name
	active   Provider
	logger   *slog.Logger
}

// NewRouter creates a router whose fallback is active.
func NewRouter(active Provider, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		backends: make(map[string]Provider),
		models:   make(map[string]string),
		active:   active,
		logger:   logger.With("component", "router"),
	}
	if active != nil {
		r.backends[active.Name()] = active
	}
	return r
}

// AddBackend registers a provider under its name.
func (r *Router) AddBackend(p Provider) {
	r.backends[p.Name()] = p
}

// AddModel pins a model name to a backend.
func (r *Router) AddModel(model, backend string) {
	r.models[model] = backend
}

// Backend returns the registered provider with the given name.
func (r *Router) Backend(name string) (Provider, bool) {
	p, ok := r.backends[name]
	return p, ok
}

// Pinger is a backend that can be probed for reachability.
type Pinger interface {
	Name() string
	Ping(ctx context.Context) error
}

// Pingers returns the registered backends that support probing, ordered
// by name.
func (r *Router) Pingers() []Pinger {
	var out []Pinger
	for _, p := range r.backends {
		if pp, ok := p.(Pinger); ok {
			out = append(out, pp)
		}
	}
	slices.SortFunc(out, func(a, b Pinger) int { return strings.Compare(a.Name(), b.Name()) })
	return out
}

// Name reports the active backend.
func (r *Router) Name() string {
	if r.active == nil {
		return ""
	}
	return r.active.Name()
}

func (r *Router) providerFor(model string) Provider {
	if name, ok := r.models[model]; ok {
		if p, ok := r.backends[name]; ok {
			return p
		}
	}
	return r.active
}

// Call implements Provider.
func (r *Router) Call(ctx context.Context, req Request) result.Result[Stream] {
	p := r.providerFor(req.Model)
	if p == nil {
		return result.Fail[Stream](result.ProviderError, "no backend configured for model %q", req.Model)
	}
	r.logger.Debug("routing completion", "model", req.Model, "backend", p.Name())
	return p.Call(ctx, req)
}
