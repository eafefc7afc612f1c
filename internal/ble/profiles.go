package ble

import (
	"fmt"
	"sync"

	"github.com/chaz8081/gghub/internal/gatt"
)

// Profile receives GATT server events for one application registration.
type Profile interface {
	HandleGATTS(ev GATTSEvent, iface gatt.Interface)
}

// ProfileFunc adapts a function to Profile.
type ProfileFunc func(ev GATTSEvent, iface gatt.Interface)

// HandleGATTS calls f.
func (f ProfileFunc) HandleGATTS(ev GATTSEvent, iface gatt.Interface) { f(ev, iface) }

type profileEntry struct {
	name    string
	iface   gatt.Interface
	profile Profile
}

// Profiles routes stack events to registered profiles. A profile is unbound
// (IfNone) until its registration event arrives.
type Profiles struct {
	mu      sync.RWMutex
	entries []profileEntry
}

// Register adds a profile under name.
func (r *Profiles) Register(name string, p Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, profileEntry{name: name, iface: gatt.IfNone, profile: p})
}

// Bind records the interface the stack assigned to the named profile.
func (r *Profiles) Bind(name string, iface gatt.Interface) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.entries {
		if r.entries[i].name == name {
			r.entries[i].iface = iface
			return nil
		}
	}
	return fmt.Errorf("ble: no profile %q", name)
}

// Interface returns the interface bound to the named profile.
func (r *Profiles) Interface(name string) gatt.Interface {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.name == name {
			return e.iface
		}
	}
	return gatt.IfNone
}

// Dispatch delivers ev to every profile when iface is IfNone, otherwise
// only to profiles bound to iface. It returns how many profiles ran.
func (r *Profiles) Dispatch(ev GATTSEvent, iface gatt.Interface) int {
	r.mu.RLock()
	targets := make([]Profile, 0, len(r.entries))
	for _, e := range r.entries {
		if iface == gatt.IfNone || iface == e.iface {
			targets = append(targets, e.profile)
		}
	}
	r.mu.RUnlock()

	for _, p := range targets {
		p.HandleGATTS(ev, iface)
	}
	return len(targets)
}

// Reset unbinds every profile.
func (r *Profiles) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.entries {
		r.entries[i].iface = gatt.IfNone
	}
}
