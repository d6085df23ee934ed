package domain

import "time"

// StageKind names a stage variant.
type StageKind string

const (
	StageValidate   StageKind = "validate"
	StageTransform  StageKind = "transform"
	StageSetHeader  StageKind = "set-header"
	StageInvokeHTTP StageKind = "invoke-http"
	StageLog        StageKind = "log"
	StageExtract    StageKind = "extract"
)

// Valid reports whether k is a known stage kind.
func (k StageKind) Valid() bool {
	switch k {
	case StageValidate, StageTransform, StageSetHeader, StageInvokeHTTP, StageLog, StageExtract:
		return true
	default:
		return false
	}
}

// StageDescriptor is the declarative form of one pipeline step.
type StageDescriptor struct {
	Name      string
	Kind      StageKind
	Config    map[string]any
	TimeoutMS int
}

// Clone returns a deep copy of the descriptor so the assembled pipeline never
// shares configuration maps with its source.
func (d StageDescriptor) Clone() StageDescriptor {
	d.Config = cloneConfig(d.Config)
	return d
}

// Timeout returns the configured stage timeout, or zero.
func (d StageDescriptor) Timeout() time.Duration {
	if d.TimeoutMS <= 0 {
		return 0
	}
	return time.Duration(d.TimeoutMS) * time.Millisecond
}

// ReplyMode controls what the listener returns on success.
type ReplyMode string

const (
	// ReplyBody echoes the final envelope body with its content type.
	ReplyBody ReplyMode = "body"
	// ReplySummary returns a plain-text acknowledgement with the downstream status.
	ReplySummary ReplyMode = "summary"
)

// RouteSpec is a named, ordered list of stages bound to an inbound path.
type RouteSpec struct {
	ID        string
	Path      string
	Stages    []StageDescriptor
	TimeoutMS int
	Reply     ReplyMode
	// RateLimit caps accepted requests per second for the route (0 = unlimited).
	RateLimit int
	Burst     int
}

// Clone returns a deep copy of the route.
func (r RouteSpec) Clone() RouteSpec {
	stages := make([]StageDescriptor, len(r.Stages))
	for i, s := range r.Stages {
		stages[i] = s.Clone()
	}
	r.Stages = stages
	return r
}

// Timeout returns the route-level stage timeout ceiling, or zero.
func (r RouteSpec) Timeout() time.Duration {
	if r.TimeoutMS <= 0 {
		return 0
	}
	return time.Duration(r.TimeoutMS) * time.Millisecond
}

func cloneConfig(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneConfig(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}
