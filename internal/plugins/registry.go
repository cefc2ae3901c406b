package plugins

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrBindingExists = errors.New("plugin binding already exists")
	ErrBindingNil    = errors.New("plugin binding has no decoder")
	ErrInvalidKind   = errors.New("invalid plugin kind")
	ErrWebExists     = errors.New("web plugin already exists")
)

// Registry maps request kinds to bindings. It is filled at startup and read
// at dispatch time.
type Registry struct {
	mu    sync.RWMutex
	items map[string]Binding
	web   map[string]WebPlugin
}

func NewRegistry() *Registry {
	return &Registry{
		items: make(map[string]Binding),
		web:   make(map[string]WebPlugin),
	}
}

func (r *Registry) Register(b Binding) error {
	kind := strings.TrimSpace(b.Kind)
	if !isValidKind(kind) {
		return fmt.Errorf("%w: %q", ErrInvalidKind, b.Kind)
	}
	if b.Decode == nil {
		return fmt.Errorf("%w: %s", ErrBindingNil, kind)
	}
	b.Kind = kind

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[kind]; ok {
		return fmt.Errorf("%w: %s", ErrBindingExists, kind)
	}
	r.items[kind] = b
	return nil
}

func (r *Registry) MustRegister(bindings ...Binding) {
	for _, b := range bindings {
		if err := r.Register(b); err != nil {
			panic(err)
		}
	}
}

// Resolve returns the binding for kind.
func (r *Registry) Resolve(kind string) (Binding, bool) {
	if r == nil {
		return Binding{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.items[strings.TrimSpace(kind)]
	return b, ok
}

// Kinds returns registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.items))
	for kind := range r.items {
		out = append(out, kind)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) RegisterWeb(p WebPlugin) error {
	name := strings.TrimSpace(p.Name)
	if !isValidKind(name) {
		return fmt.Errorf("%w: %q", ErrInvalidKind, p.Name)
	}
	p.Name = name

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.web[name]; ok {
		return fmt.Errorf("%w: %s", ErrWebExists, name)
	}
	r.web[name] = p
	return nil
}

// WebPlugins returns web plugins sorted by name.
func (r *Registry) WebPlugins() []WebPlugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]WebPlugin, 0, len(r.web))
	for _, p := range r.web {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}

func isValidKind(id string) bool {
	if id == "" {
		return false
	}
	lastSep := false
	for i := 0; i < len(id); i++ {
		c := id[i]
		isLower := c >= 'a' && c <= 'z'
		isDigit := c >= '0' && c <= '9'
		isSep := c == '.' || c == '-' || c == '_'
		if !(isLower || isDigit || isSep) {
			return false
		}
		if i == 0 || i == len(id)-1 {
			if isSep {
				return false
			}
		}
		if isSep && lastSep {
			return false
		}
		lastSep = isSep
	}
	return true
}
