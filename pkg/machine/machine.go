// Package machine defines the identity of a host that can be queried for
// logged-in users.
//
// A Machine is identified by its name alone: two machines with the same name
// are equal and sort together regardless of group, OS or role. The optional
// fields are carried for display only.
package machine

import (
	"sort"
	"strings"
)

// Machine is an immutable description of one target host.
type Machine struct {
	// Name is the hostname used to reach the machine.
	Name string
	// Group is an optional grouping label, usually the room or location.
	Group string
	// OS is an optional operating system label.
	OS string
	// Role is an optional usage label.
	Role string
}

// String returns "name" or "name@group" when a group is set.
func (m Machine) String() string {
	if m.Group == "" {
		return m.Name
	}
	return m.Name + "@" + m.Group
}

// Equal reports whether both machines have the same name.
func (m Machine) Equal(other Machine) bool {
	return m.Name == other.Name
}

// Compare orders machines lexicographically by name.
func (m Machine) Compare(other Machine) int {
	return strings.Compare(m.Name, other.Name)
}

// Less reports whether m sorts before other.
func (m Machine) Less(other Machine) bool {
	return m.Name < other.Name
}

// Identity returns the machine unchanged.
func (m Machine) Identity() Machine {
	return m
}

// Target is anything that can be turned into a Machine: a Machine itself or a
// bare host Name.
type Target interface {
	Identity() Machine
}

// Name is a bare hostname with no optional attributes.
type Name string

// Identity returns a Machine with only the name set.
func (n Name) Identity() Machine {
	return Machine{Name: string(n)}
}

// Names converts raw hostnames into targets.
func Names(names ...string) []Target {
	targets := make([]Target, len(names))
	for i, n := range names {
		targets[i] = Name(n)
	}
	return targets
}

// Normalize maps a mixed collection of targets to machines, preserving order.
func Normalize(targets ...Target) []Machine {
	machines := make([]Machine, 0, len(targets))
	for _, t := range targets {
		if t == nil {
			continue
		}
		machines = append(machines, t.Identity())
	}
	return machines
}

// Parse reads the display form "name@group". A string without '@' yields a
// machine with only the name set.
func Parse(s string) Machine {
	name, group, found := strings.Cut(s, "@")
	if !found {
		return Machine{Name: s}
	}
	return Machine{Name: name, Group: group}
}

// Sort orders machines by name in place.
func Sort(machines []Machine) {
	sort.SliceStable(machines, func(i, j int) bool {
		return machines[i].Less(machines[j])
	})
}
