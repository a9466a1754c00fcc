// Package roster holds the static assistant registry and the keyword
// routing table. Both are immutable after construction: they are built
// once from configuration at process start and passed into the
// orchestrator, never mutated at runtime.
package roster

import (
	"fmt"
	"sort"
	"strings"
)

// Assistant describes one hosted assistant the process can talk to.
type Assistant struct {
	// Key is the logical role name used locally (e.g. "coordinator",
	// "lsrc_tech"). Unique within a roster.
	Key string `json:"key"`
	// ID is the opaque external assistant identifier.
	ID string `json:"id"`
	// Name is the human label shown in role listings.
	Name string `json:"name"`
	// Role is a short functional description ("Chief of Staff",
	// "Tech PM").
	Role string `json:"role"`
	// Description explains what the assistant covers.
	Description string `json:"description"`
	// Coordinator marks the default entry point. Exactly one per roster.
	Coordinator bool `json:"coordinator,omitempty"`
}

// UnknownRoleError reports a role key that is not in the roster.
// This is always a caller or configuration bug, never retried.
type UnknownRoleError struct {
	Role  string
	Known []string
}

func (e *UnknownRoleError) Error() string {
	return fmt.Sprintf("unknown role %q (known: %s)", e.Role, strings.Join(e.Known, ", "))
}

// Roster is the static role → assistant table.
type Roster struct {
	order    []string
	byKey    map[string]Assistant
	coordKey string
}

// New builds a roster from the configured assistants, preserving their
// order. It validates that role keys are non-empty and unique, that
// every assistant carries an external ID, and that exactly one entry
// is marked as the coordinator.
func New(assistants []Assistant) (*Roster, error) {
	if len(assistants) == 0 {
		return nil, fmt.Errorf("roster: no assistants configured")
	}

	r := &Roster{
		order: make([]string, 0, len(assistants)),
		byKey: make(map[string]Assistant, len(assistants)),
	}
	for _, a := range assistants {
		if a.Key == "" {
			return nil, fmt.Errorf("roster: assistant with empty role key (id %q)", a.ID)
		}
		if a.ID == "" {
			return nil, fmt.Errorf("roster: assistant %q has no external id", a.Key)
		}
		if _, dup := r.byKey[a.Key]; dup {
			return nil, fmt.Errorf("roster: duplicate role %q", a.Key)
		}
		if a.Coordinator {
			if r.coordKey != "" {
				return nil, fmt.Errorf("roster: both %q and %q marked coordinator", r.coordKey, a.Key)
			}
			r.coordKey = a.Key
		}
		r.order = append(r.order, a.Key)
		r.byKey[a.Key] = a
	}
	if r.coordKey == "" {
		return nil, fmt.Errorf("roster: no coordinator role configured")
	}
	return r, nil
}

// Resolve returns the assistant for a role key.
func (r *Roster) Resolve(role string) (Assistant, error) {
	a, ok := r.byKey[role]
	if !ok {
		return Assistant{}, &UnknownRoleError{Role: role, Known: r.knownRoles()}
	}
	return a, nil
}

// Has reports whether a role is registered.
func (r *Roster) Has(role string) bool {
	_, ok := r.byKey[role]
	return ok
}

// Roles returns all assistants in configuration order.
func (r *Roster) Roles() []Assistant {
	out := make([]Assistant, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.byKey[key])
	}
	return out
}

// Coordinator returns the default entry-point assistant.
func (r *Roster) Coordinator() Assistant {
	return r.byKey[r.coordKey]
}

// Specialists returns every non-coordinator assistant in configuration
// order.
func (r *Roster) Specialists() []Assistant {
	out := make([]Assistant, 0, len(r.order)-1)
	for _, key := range r.order {
		if key == r.coordKey {
			continue
		}
		out = append(out, r.byKey[key])
	}
	return out
}

// Len returns the number of registered roles.
func (r *Roster) Len() int {
	return len(r.order)
}

func (r *Roster) knownRoles() []string {
	known := make([]string, len(r.order))
	copy(known, r.order)
	sort.Strings(known)
	return known
}
