package tools

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	openai "github.com/sashabaranov/go-openai"
)

var (
	// ErrDuplicateTool is returned when a name is registered twice.
	ErrDuplicateTool = errors.New("tool already registered")
	// ErrNotFound is returned when a looked-up tool does not exist.
	ErrNotFound = errors.New("tool not found")
	// ErrRegistrySealed is returned for registration attempts after Seal.
	ErrRegistrySealed = errors.New("registry sealed")
)

// Registry maps tool names to descriptors. It is populated during startup,
// then sealed; after sealing it is read-only and safe for concurrent reads
// without locking.
type Registry struct {
	mu     sync.Mutex
	sealed bool
	tools  map[string]*Descriptor
}

// NewRegistry creates an empty, unsealed registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Descriptor)}
}

// Register adds a descriptor. It fails with ErrDuplicateTool when the name
// is in use and ErrRegistrySealed after Seal. Both are startup-time
// configuration errors and should abort startup.
func (r *Registry) Register(d *Descriptor) error {
	if d == nil {
		return errors.New("descriptor is nil")
	}
	if d.Name == "" {
		return errors.New("tool name is empty")
	}
	if d.Handler == nil {
		return fmt.Errorf("tool %s has no handler", d.Name)
	}
	if err := d.compile(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("%w: cannot register %s", ErrRegistrySealed, d.Name)
	}
	if _, exists := r.tools[d.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, d.Name)
	}
	r.tools[d.Name] = d
	return nil
}

// Seal ends the registration phase. Idempotent.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Sealed reports whether the registration phase has ended.
func (r *Registry) Sealed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sealed
}

// Lookup returns the descriptor for name or ErrNotFound.
func (r *Registry) Lookup(name string) (*Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return d, nil
}

// Definitions returns the registered tools in OpenAI function format,
// ordered by name for a stable request payload.
func (r *Registry) Definitions() []openai.Tool {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]openai.Tool, 0, len(names))
	for _, name := range names {
		defs = append(defs, r.tools[name].Definition())
	}
	return defs
}
