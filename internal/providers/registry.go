// Package providers keeps the registry of upstream building providers.
// Provider packages register themselves from init.
package providers

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/mohammed-shakir/building-footprints/internal/core/config"
	"github.com/mohammed-shakir/building-footprints/internal/core/model"
	"github.com/mohammed-shakir/building-footprints/internal/fetcher"
)

type Deps struct {
	Logger *slog.Logger
	HTTP   *http.Client
}

type Factory func(cfg config.Config, deps Deps) (fetcher.Provider, error)

var (
	mu  sync.RWMutex
	reg = map[string]Factory{}
)

func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	reg[strings.ToLower(name)] = f
}

// New builds the named provider. Unlike a lookup with a fallback, an unknown
// name is an error the caller can map to a 404.
func New(name string, cfg config.Config, deps Deps) (fetcher.Provider, error) {
	mu.RLock()
	f, ok := reg[strings.ToLower(strings.TrimSpace(name))]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", model.ErrUnknownProvider, name)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	p, err := f(cfg, deps)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", name, err)
	}
	return p, nil
}

func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(reg))
	for n := range reg {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
