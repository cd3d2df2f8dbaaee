// Package toolprofile holds the process-wide registry of per-tool risk
// profiles the policy engine evaluates against.
package toolprofile

import (
	"sync"

	"github.com/Masterminds/semver/v3"
)

// Criticality is the static per-tool severity independent of runtime risk.
type Criticality string

const (
	Low    Criticality = "LOW"
	Medium Criticality = "MEDIUM"
	High   Criticality = "HIGH"
)

// Profile is the risk profile metadata for one tool, registered statically
// by the tool owner.
type Profile struct {
	Name         string
	Criticality  Criticality
	BlastRadius  string
	Irreversible bool
	Regulatory   bool
	RiskTier     *string
}

// defaultProfile is returned by Get for a tool name with no registration.
func defaultProfile(name string) Profile {
	return Profile{Name: name, Criticality: Low, BlastRadius: "limited"}
}

// Registry is a concurrency-safe tool_name -> Profile map. Writes are
// serialized with a mutex; Get never fails.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{profiles: make(map[string]Profile)}
}

// DefaultRegistry is the package-level instance used by the annotation-style
// Register helper when callers don't inject their own.
var DefaultRegistry = NewRegistry()

// Register stores (or idempotently overwrites) a tool's profile.
func (r *Registry) Register(p Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[p.Name] = p
}

// Get looks up a tool's profile. An unregistered name never fails: it
// returns the LOW-criticality default.
func (r *Registry) Get(name string) Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.profiles[name]; ok {
		return p
	}
	return defaultProfile(name)
}

// All returns a snapshot copy of every registered profile.
func (r *Registry) All() map[string]Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Profile, len(r.profiles))
	for k, v := range r.profiles {
		out[k] = v
	}
	return out
}

// Register is the package-level shortcut against DefaultRegistry, used by
// the tool-owner decorator pattern (a tool handler registers its profile
// once at init time).
func Register(p Profile) {
	DefaultRegistry.Register(p)
}

// Get is the package-level shortcut against DefaultRegistry.
func Get(name string) Profile {
	return DefaultRegistry.Get(name)
}

// RiskTierAtLeast reports whether a profile's optional semver-encoded
// RiskTier is >= the given minimum tier. Tools that roll out stricter
// profiles gradually across deploys encode the tier as a semver string
// (e.g. "1.2.0"); a profile with no RiskTier, or an unparsable one, never
// satisfies a minimum (fails closed).
func RiskTierAtLeast(p Profile, minTier string) bool {
	if p.RiskTier == nil {
		return false
	}
	have, err := semver.NewVersion(*p.RiskTier)
	if err != nil {
		return false
	}
	want, err := semver.NewVersion(minTier)
	if err != nil {
		return false
	}
	return have.Compare(want) >= 0
}
