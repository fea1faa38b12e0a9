package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"3tcapital/auditharvest/internal/core/harvest"
	"3tcapital/auditharvest/internal/infrastructure/config"
)

// Settings is what a backend needs to build its sessions.
type Settings struct {
	Config config.AppConfig
	Logger *slog.Logger
	// HTTPClient carries every provider call; backends must not build their own transport.
	HTTPClient *http.Client
}

// Constructor builds a provider from settings.
type Constructor func(ctx context.Context, s Settings) (harvest.Provider, error)

var (
	mu       sync.RWMutex
	registry = map[string]Constructor{}
)

// Register adds a backend under the given provider name. Backends call it from init.
func Register(name string, ctor Constructor) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = ctor
}

// New builds the provider registered under name.
func New(ctx context.Context, name string, s Settings) (harvest.Provider, error) {
	mu.RLock()
	ctor, ok := registry[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if s.HTTPClient == nil {
		s.HTTPClient = http.DefaultClient
	}
	p, err := ctor(ctx, s)
	if err != nil {
		return nil, fmt.Errorf("%s provider: %w", name, err)
	}
	return p, nil
}

// Names returns the registered provider names, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
