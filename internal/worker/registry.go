package worker

import (
	"fmt"
	"strings"

	"github.com/cwygoda/intake/internal/domain"
)

// HandlerType names a handler implementation and builds fresh instances of it.
// New is called once per unit of work with that unit's own storage session.
type HandlerType struct {
	Key string
	New func(store domain.Store) domain.Handler
}

// Registration binds a handler type to its scheduling parameters.
type Registration struct {
	Type             HandlerType
	Name             string
	MaxItemsPerCycle int
	Purpose          domain.Purpose
}

// Registry holds handler registrations. It is populated at startup and read
// only afterwards.
type Registry struct {
	regs  []Registration
	names map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{names: make(map[string]struct{})}
}

// Register appends a registration. Names must be unique.
func (r *Registry) Register(t HandlerType, name string, maxItemsPerCycle int, purpose domain.Purpose) error {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return fmt.Errorf("%w: handler name is required", domain.ErrInvalidArgument)
	case maxItemsPerCycle < 1:
		return fmt.Errorf("%w: handler %q: max items per cycle must be >= 1, got %d", domain.ErrInvalidArgument, name, maxItemsPerCycle)
	case t.Key == "" || t.New == nil:
		return fmt.Errorf("%w: handler %q has no type", domain.ErrInvalidArgument, name)
	case !purpose.IsValid():
		return fmt.Errorf("%w: handler %q: unknown purpose %q", domain.ErrInvalidArgument, name, purpose)
	}
	if _, ok := r.names[name]; ok {
		return fmt.Errorf("%w: %q", domain.ErrDuplicateHandler, name)
	}

	r.names[name] = struct{}{}
	r.regs = append(r.regs, Registration{
		Type:             t,
		Name:             name,
		MaxItemsPerCycle: maxItemsPerCycle,
		Purpose:          purpose,
	})
	return nil
}

// Registrations returns the registrations in registration order.
func (r *Registry) Registrations() []Registration {
	out := make([]Registration, len(r.regs))
	copy(out, r.regs)
	return out
}

// Capacity is the most work items a single cycle can hold.
func (r *Registry) Capacity() int {
	total := 0
	for _, reg := range r.regs {
		total += reg.MaxItemsPerCycle
	}
	return total
}

// ByPurpose returns the names registered under p.
func (r *Registry) ByPurpose(p domain.Purpose) []string {
	var names []string
	for _, reg := range r.regs {
		if reg.Purpose == p {
			names = append(names, reg.Name)
		}
	}
	return names
}
