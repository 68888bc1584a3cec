package backend

import (
	"fmt"
	"log/slog"

	"github.com/me/cromrunner/internal/logging"
)

// Registry maps Kind values to their Dispatcher implementations.
// Registration happens at startup before concurrent access, so no mutex is needed.
type Registry struct {
	dispatchers map[Kind]Dispatcher
	logger      *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		dispatchers: make(map[Kind]Dispatcher),
		logger:      logging.Component(logger, "backend-registry"),
	}
}

// Register adds a Dispatcher to the registry, keyed by its Kind().
func (r *Registry) Register(d Dispatcher) {
	k := d.Kind()
	r.dispatchers[k] = d
	r.logger.Debug("backend registered", "kind", k)
}

// Get returns the Dispatcher for the given kind or an error if none is registered.
func (r *Registry) Get(k Kind) (Dispatcher, error) {
	d, ok := r.dispatchers[k]
	if !ok {
		return nil, fmt.Errorf("no backend registered for kind %q", k)
	}
	return d, nil
}
