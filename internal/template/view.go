package template

// Summary is the listing view of a template.
type Summary struct {
	Version   string `json:"version"`
	Name      string `json:"name,omitempty"`
	Checksum  string `json:"checksum,omitempty"`
	Active    bool   `json:"active"`
	StepCount int    `json:"step_count"`
}

// View is the full external view of a template. Steps are in evaluation order.
type View struct {
	Version    string            `json:"version"`
	Name       string            `json:"name,omitempty"`
	Checksum   string            `json:"checksum,omitempty"`
	Active     bool              `json:"active"`
	Segments   []Segment         `json:"segments"`
	Milestones []Milestone       `json:"milestones"`
	Steps      []Step            `json:"steps"`
	Predicates map[string]string `json:"predicates,omitempty"`
}

// Summarize returns the listing view of every loaded template, marking the
// active one.
func (r *Registry) Summarize() []Summary {
	active := r.Active()
	all := r.All()
	out := make([]Summary, 0, len(all))
	for _, t := range all {
		out = append(out, Summary{
			Version:   t.Version(),
			Name:      t.Name(),
			Checksum:  t.Checksum(),
			Active:    active != nil && t.Version() == active.Version(),
			StepCount: len(t.steps),
		})
	}
	return out
}

// Describe returns the full view of the template with the given version.
func (r *Registry) Describe(version string) (View, bool) {
	t, ok := r.Get(version)
	if !ok {
		return View{}, false
	}
	active := r.Active()
	return View{
		Version:    t.Version(),
		Name:       t.Name(),
		Checksum:   t.Checksum(),
		Active:     active != nil && t.Version() == active.Version(),
		Segments:   t.Segments(),
		Milestones: t.Milestones(),
		Steps:      t.Steps(),
		Predicates: t.Predicates(),
	}, true
}
