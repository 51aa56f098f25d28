package plugin

import (
	"fmt"
	"sort"
)

// Phase identifies a workflow phase a hook attaches to.
type Phase string

// Workflow phases. PhaseAny matches every concrete phase.
const (
	PhaseRequirements Phase = "requirements"
	PhaseDesign       Phase = "design"
	PhaseTasks        Phase = "tasks"
	PhaseImplement    Phase = "implement"
	PhaseAny          Phase = "*"
)

// Phases lists the concrete workflow phases in execution order.
var Phases = []Phase{PhaseRequirements, PhaseDesign, PhaseTasks, PhaseImplement}

// Valid reports whether p is a known phase or the wildcard.
func (p Phase) Valid() bool {
	if p == PhaseAny {
		return true
	}
	for _, known := range Phases {
		if p == known {
			return true
		}
	}
	return false
}

// Timing says whether a hook runs before or after its phase.
type Timing string

// Hook timings.
const (
	TimingPre  Timing = "pre"
	TimingPost Timing = "post"
)

// Valid reports whether t is a known timing.
func (t Timing) Valid() bool {
	return t == TimingPre || t == TimingPost
}

// Priority orders hooks within a phase and timing bucket. Lower values
// run first; equal priorities keep registration order.
type Priority int

// Hook priorities, in strict total order.
const (
	PriorityEarliest Priority = iota
	PriorityEarly
	PriorityNormal
	PriorityLate
	PriorityLatest
)

// ParsePriority maps a priority name to its level. Unknown names are an error.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "earliest":
		return PriorityEarliest, nil
	case "early":
		return PriorityEarly, nil
	case "normal", "":
		return PriorityNormal, nil
	case "late":
		return PriorityLate, nil
	case "latest":
		return PriorityLatest, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown hook priority %q", s)
	}
}

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityEarliest:
		return "earliest"
	case PriorityEarly:
		return "early"
	case PriorityNormal:
		return "normal"
	case PriorityLate:
		return "late"
	case PriorityLatest:
		return "latest"
	default:
		return "unknown"
	}
}

// hookKey buckets hook registrations by phase and timing.
type hookKey struct {
	phase  Phase
	timing Timing
}

// RegisterHook appends a hook to its phase and timing bucket.
// The wildcard phase matches every concrete phase at lookup time.
func (r *Registry) RegisterHook(pluginName string, h Hook) error {
	if !h.Phase.Valid() {
		return fmt.Errorf("plugin %q: unknown hook phase %q", pluginName, h.Phase)
	}
	if !h.Timing.Valid() {
		return fmt.Errorf("plugin %q: unknown hook timing %q", pluginName, h.Timing)
	}
	if h.Priority < PriorityEarliest || h.Priority > PriorityLatest {
		return fmt.Errorf("plugin %q: hook priority out of range", pluginName)
	}
	if h.Handler == nil {
		return fmt.Errorf("plugin %q: hook handler is required", pluginName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.hookSeq++
	key := hookKey{h.Phase, h.Timing}
	r.hooks[key] = append(r.hooks[key], &HookRegistration{Hook: h, PluginName: pluginName, seq: r.hookSeq})
	return nil
}

// Hooks returns the hooks for a concrete phase and timing: the union of
// exact-phase and wildcard-phase registrations, sorted by priority.
// Ties keep registration order across both buckets, so a wildcard hook
// registered before a same-priority exact hook still runs first.
func (r *Registry) Hooks(phase Phase, timing Timing) []*HookRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exact := r.hooks[hookKey{phase, timing}]
	wild := r.hooks[hookKey{PhaseAny, timing}]

	merged := make([]*HookRegistration, 0, len(exact)+len(wild))
	merged = append(merged, exact...)
	merged = append(merged, wild...)

	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Priority != merged[j].Priority {
			return merged[i].Priority < merged[j].Priority
		}
		return merged[i].seq < merged[j].seq
	})
	return merged
}
