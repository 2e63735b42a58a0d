package model

// StepStatus is the computed display status of a step. It is derived on every
// evaluation and never stored.
type StepStatus string

const (
	StepDone    StepStatus = "DONE"
	StepOpen    StepStatus = "OPEN"
	StepBlocked StepStatus = "BLOCKED"
	StepSkipped StepStatus = "SKIPPED"
)

// Satisfied reports whether a step with this status satisfies its dependents.
func (s StepStatus) Satisfied() bool {
	return s == StepDone || s == StepSkipped
}

// Flags are the case-level booleans that drive conditional steps.
type Flags map[string]bool

// Get returns the flag value; missing flags are false.
func (f Flags) Get(name string) bool {
	if f == nil {
		return false
	}
	return f[name]
}

// Clone returns an independent copy of f.
func (f Flags) Clone() Flags {
	out := make(Flags, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Merge returns a copy of f with every entry of other applied on top.
func (f Flags) Merge(other Flags) Flags {
	out := f.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Snapshot is the result of evaluating a template against one case's
// completed steps and flags.
type Snapshot struct {
	TemplateVersion        string                       `json:"template_version"`
	StepStatuses           map[string]StepStatus        `json:"step_statuses"`
	Segments               map[string]SegmentProgress   `json:"segments"`
	Milestones             map[string]MilestoneProgress `json:"milestones"`
	OverallProgressPercent float64                      `json:"overall_progress_percent"`
	NextSteps              []string                     `json:"next_steps"`
	UnknownStepCodes       []string                     `json:"unknown_step_codes,omitempty"`
}

// SegmentProgress holds per-segment status counts. Percent counts skipped
// steps as resolved.
type SegmentProgress struct {
	Label   string  `json:"label"`
	Order   int     `json:"order"`
	Done    int     `json:"done"`
	Skipped int     `json:"skipped"`
	Open    int     `json:"open"`
	Blocked int     `json:"blocked"`
	Total   int     `json:"total"`
	Percent float64 `json:"percent"`
}

// MilestoneProgress reports whether a milestone has been reached.
type MilestoneProgress struct {
	Label   string  `json:"label"`
	Order   int     `json:"order"`
	Weight  float64 `json:"weight"`
	Reached bool    `json:"reached"`
}
