// Package router picks which provider serves a request and falls back to any
// other configured provider when the primary is unusable.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	ctxpkg "github.com/stupiduntilnot/chatrelay/internal/context"
	"github.com/stupiduntilnot/chatrelay/internal/provider"
)

// Name is reported on Results the router itself produces.
const Name = "router"

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger used for fallback notices.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithKeyEnvs overrides the configuration keys named in the "no provider"
// failure message.
func WithKeyEnvs(keys ...string) Option {
	return func(r *Router) {
		r.keyEnvs = append([]string(nil), keys...)
	}
}

// Router delegates to the primary provider when it is configured, otherwise to
// the first configured provider in registration order. Configuration is
// checked on every call.
type Router struct {
	primary   string
	providers []provider.Provider
	keyEnvs   []string
	logger    *slog.Logger
}

type keyEnver interface {
	KeyEnv() string
}

// New registers providers in the given order. primary names the first-choice
// provider and need not be registered.
func New(primary string, providers []provider.Provider, opts ...Option) *Router {
	r := &Router{
		primary:   strings.ToLower(strings.TrimSpace(primary)),
		providers: append([]provider.Provider(nil), providers...),
		logger:    slog.Default(),
	}
	for _, p := range r.providers {
		if k, ok := p.(keyEnver); ok && k.KeyEnv() != "" {
			r.keyEnvs = append(r.keyEnvs, k.KeyEnv())
		}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Primary returns the configured primary provider name.
func (r *Router) Primary() string {
	return r.primary
}

func (r *Router) lookup(name string) provider.Provider {
	for _, p := range r.providers {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// SendMessage routes messages to a configured provider and returns its Result
// unmodified. When nothing is configured it returns a failure naming the
// missing keys.
func (r *Router) SendMessage(ctx context.Context, messages []ctxpkg.Message) provider.Result {
	if p := r.lookup(r.primary); p != nil && p.IsConfigured() {
		return p.SendMessage(ctx, messages)
	}

	for _, p := range r.providers {
		if p.Name() == r.primary || !p.IsConfigured() {
			continue
		}
		r.logger.Warn("primary provider unavailable, falling back",
			"primary", r.primary,
			"fallback", p.Name(),
		)
		return p.SendMessage(ctx, messages)
	}

	r.logger.Error("no provider configured", "primary", r.primary)
	return provider.Failure(Name, r.unavailableMessage())
}

func (r *Router) unavailableMessage() string {
	if len(r.keyEnvs) == 0 {
		return "No API provider is configured."
	}
	return fmt.Sprintf("No API provider is configured. Please set %s.", strings.Join(r.keyEnvs, " or "))
}

// ActiveProvider returns the primary provider name when it is configured.
// Fallback availability is not considered.
func (r *Router) ActiveProvider() (string, bool) {
	if p := r.lookup(r.primary); p != nil && p.IsConfigured() {
		return p.Name(), true
	}
	return "", false
}

// AvailableProviders lists every configured provider in registration order.
func (r *Router) AvailableProviders() []string {
	out := []string{}
	for _, p := range r.providers {
		if p.IsConfigured() {
			out = append(out, p.Name())
		}
	}
	return out
}

// ProviderStatus is one row of the diagnostics listing.
type ProviderStatus struct {
	Name       string `json:"name"`
	Model      string `json:"model"`
	Configured bool   `json:"configured"`
	Primary    bool   `json:"primary"`
}

// Status describes every registered provider.
func (r *Router) Status() []ProviderStatus {
	out := make([]ProviderStatus, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, ProviderStatus{
			Name:       p.Name(),
			Model:      p.Model(),
			Configured: p.IsConfigured(),
			Primary:    p.Name() == r.primary,
		})
	}
	return out
}
