package provider

import "fmt"

// Factory creates a backend instance from opaque config (vendor-specific).
type Factory func(any) (*Backend, error)

var registry = map[string]Factory{}

// Register binds a backend name to its factory.
func Register(name string, f Factory) {
	registry[name] = f
}

// New returns a backend instance by name.
func New(name string, cfg any) (*Backend, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("backend not found: %s", name)
	}
	return f(cfg)
}
