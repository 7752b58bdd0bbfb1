// Package reload carries the "configuration changed" signal from the webhook
// to the components that poll for it.
package reload

import "sync/atomic"

// Flag is a pending-reload marker for one consumer. Any number of Set calls
// before a Consume collapse into a single reload.
type Flag struct {
	pending atomic.Bool
}

// Set marks a reload as pending.
func (f *Flag) Set() {
	f.pending.Store(true)
}

// Consume clears the flag and reports whether it was set.
func (f *Flag) Consume() bool {
	return f.pending.CompareAndSwap(true, false)
}

// Pending reports whether a reload is waiting, without consuming it.
func (f *Flag) Pending() bool {
	return f.pending.Load()
}

// Group raises several consumer flags at once.
type Group struct {
	flags []*Flag
}

// NewGroup creates a group over the given flags.
func NewGroup(flags ...*Flag) *Group {
	return &Group{flags: flags}
}

// Set raises every flag in the group.
func (g *Group) Set() {
	for _, f := range g.flags {
		f.Set()
	}
}

// Pending reports whether any flag in the group is still set.
func (g *Group) Pending() bool {
	for _, f := range g.flags {
		if f.Pending() {
			return true
		}
	}
	return false
}
