package provider

import (
	"sort"
	"strings"
)

// Capability is one family of operations a connector can serve.
type Capability string

const (
	// CapCompute covers provisioning hardware and running a remote process.
	CapCompute Capability = "compute"

	// CapTracking covers experiment runs and telemetry ingest.
	CapTracking Capability = "tracking"

	// CapRegistry covers publishing trained artifacts to a model registry.
	CapRegistry Capability = "registry"
)

// Capabilities is the declared capability set of a connector.
type Capabilities map[Capability]bool

// NewCapabilities builds a set from the given capabilities.
func NewCapabilities(caps ...Capability) Capabilities {
	out := make(Capabilities, len(caps))
	for _, c := range caps {
		out[c] = true
	}
	return out
}

// Has reports whether all of caps are present.
func (c Capabilities) Has(caps ...Capability) bool {
	for _, want := range caps {
		if !c[want] {
			return false
		}
	}
	return true
}

// Any reports whether at least one of caps is present.
func (c Capabilities) Any(caps ...Capability) bool {
	for _, want := range caps {
		if c[want] {
			return true
		}
	}
	return false
}

// With returns a copy of the set with caps added.
func (c Capabilities) With(caps ...Capability) Capabilities {
	out := make(Capabilities, len(c)+len(caps))
	for k, v := range c {
		out[k] = v
	}
	for _, want := range caps {
		out[want] = true
	}
	return out
}

// List returns the capabilities in sorted order.
func (c Capabilities) List() []string {
	out := make([]string, 0, len(c))
	for k, v := range c {
		if v {
			out = append(out, string(k))
		}
	}
	sort.Strings(out)
	return out
}

// String returns a "|" separated list, e.g. "compute|registry".
func (c Capabilities) String() string {
	return strings.Join(c.List(), "|")
}
