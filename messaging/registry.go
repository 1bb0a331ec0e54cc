package messaging

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// CommandDescriptor describes one supported command.
type CommandDescriptor struct {
	Name string
	// RequiresAuth commands resolve and verify the caller token first.
	RequiresAuth bool
	// Offloadable commands may run on a worker through the broker.
	Offloadable bool
	// ReloadsToken commands refresh the session token after success.
	ReloadsToken bool
	Handler      HandlerFunc
}

// Registry is the command table.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]CommandDescriptor
	logger   *slog.Logger
}

// RegistryOption configures the Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates an empty command table.
func NewRegistry(options ...RegistryOption) *Registry {
	r := &Registry{
		commands: make(map[string]CommandDescriptor),
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Register adds a command. Names are case-insensitive.
func (r *Registry) Register(desc CommandDescriptor) error {
	name := strings.ToLower(strings.TrimSpace(desc.Name))
	if name == "" {
		return fmt.Errorf("command name cannot be empty")
	}
	if desc.Handler == nil {
		return fmt.Errorf("handler cannot be nil for command %s", name)
	}
	desc.Name = name

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.commands[name]; exists {
		return fmt.Errorf("command already registered: %s", name)
	}
	r.commands[name] = desc

	r.logger.Debug("registered command",
		"command", name,
		"requiresAuth", desc.RequiresAuth,
		"offloadable", desc.Offloadable,
	)
	return nil
}

// MustRegister registers every descriptor and panics on the first failure.
func (r *Registry) MustRegister(descs ...CommandDescriptor) {
	for _, d := range descs {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
}

// Alias registers alias with the descriptor of target.
func (r *Registry) Alias(alias, target string) error {
	desc, ok := r.Lookup(target)
	if !ok {
		return fmt.Errorf("unknown command: %s", target)
	}
	desc.Name = alias
	return r.Register(desc)
}

// Lookup finds the descriptor of a command.
func (r *Registry) Lookup(name string) (CommandDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.commands[strings.ToLower(name)]
	return desc, ok
}

// Commands returns the registered command names in order.
func (r *Registry) Commands() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
