// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 QueryDeck Contributors

package plugin

import "fmt"

// State is a plugin lifecycle state.
type State string

// Lifecycle states. The machine is strict: only the transitions listed
// in validTransitions are legal.
const (
	StateUnloaded  State = "unloaded"
	StateLoading   State = "loading"
	StateActivated State = "activated"
	StateEnabled   State = "enabled"
	StateDisabled  State = "disabled"
	StateCrashed   State = "crashed"
)

// validTransitions maps each state to the states it may move to.
// A failed load rolls loading back to unloaded; it never reaches
// crashed.
var validTransitions = map[State][]State{
	StateUnloaded:  {StateLoading},
	StateLoading:   {StateActivated, StateUnloaded},
	StateActivated: {StateEnabled, StateUnloaded},
	StateEnabled:   {StateDisabled, StateCrashed, StateUnloaded},
	StateDisabled:  {StateEnabled, StateCrashed, StateUnloaded},
	StateCrashed:   {StateUnloaded},
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// transition validates and performs a state change on an instance.
// Caller holds the registry lock.
func (p *Instance) transition(next State) error {
	if !p.State.CanTransitionTo(next) {
		return fmt.Errorf("invalid state transition %s -> %s for plugin %s", p.State, next, p.Descriptor.ID)
	}
	p.State = next
	return nil
}
