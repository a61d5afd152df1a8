// Package router classifies inbound calls into execution lanes.
package router

import (
	"fmt"
	"sort"
	"strings"
)

// Lane names an execution queue.
type Lane string

const (
	// LaneGeneral serializes every ordinary read/write call.
	LaneGeneral Lane = "general"
	// LaneSync serializes long-running sync calls away from general traffic.
	LaneSync Lane = "sync"
	// LanePool is the single shared lane of the pool policy.
	LanePool Lane = "pool"
)

// Policy is the concurrency discipline the dispatcher runs under.
type Policy string

const (
	// PolicyLanes isolates sync calls from general calls; each lane is serial.
	PolicyLanes Policy = "lanes"
	// PolicyPool runs every call on a shared worker pool with no ordering.
	PolicyPool Policy = "pool"
)

// DefaultSyncMethods is the sync family used when none is configured.
var DefaultSyncMethods = []string{"requestSync"}

// ParsePolicy maps a config value onto a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyLanes:
		return PolicyLanes, nil
	case PolicyPool:
		return PolicyPool, nil
	default:
		return "", fmt.Errorf("unknown dispatch policy %q", s)
	}
}

// Router maps method names to lanes. It is immutable after New and safe for
// concurrent use.
type Router struct {
	policy      Policy
	syncMethods map[string]struct{}
}

// New builds a router. An empty syncMethods uses DefaultSyncMethods.
func New(policy Policy, syncMethods []string) *Router {
	if policy == "" {
		policy = PolicyLanes
	}
	if len(syncMethods) == 0 {
		syncMethods = DefaultSyncMethods
	}
	set := make(map[string]struct{}, len(syncMethods))
	for _, m := range syncMethods {
		set[strings.TrimSpace(m)] = struct{}{}
	}
	return &Router{policy: policy, syncMethods: set}
}

// Route selects exactly one lane for method. Method names are matched
// exactly; no other validation happens here.
func (r *Router) Route(method string) Lane {
	if r.policy == PolicyPool {
		return LanePool
	}
	if _, ok := r.syncMethods[method]; ok {
		return LaneSync
	}
	return LaneGeneral
}

// Lanes lists every lane Route can return under the router's policy.
func (r *Router) Lanes() []Lane {
	if r.policy == PolicyPool {
		return []Lane{LanePool}
	}
	return []Lane{LaneGeneral, LaneSync}
}

// Policy reports the policy the router was built with.
func (r *Router) Policy() Policy { return r.policy }

// SyncMethods returns the configured sync family, sorted.
func (r *Router) SyncMethods() []string {
	out := make([]string, 0, len(r.syncMethods))
	for m := range r.syncMethods {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
