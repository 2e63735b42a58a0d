package template

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
)

// snapshot is an immutable set of compiled templates indexed by version.
type snapshot struct {
	templates map[string]*Template
	versions  []string
	active    string
	checksum  string
}

// Registry is a read-optimized, thread-safe store of compiled templates. It
// holds several versions side by side; one of them is active for new cases.
// Reads are lock-free through an atomic pointer swap.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given templates. See Replace for
// the meaning of active.
func NewRegistry(tpls []*Template, active string) (*Registry, error) {
	r := &Registry{}
	if err := r.Replace(tpls, active); err != nil {
		return nil, err
	}
	return r, nil
}

// Replace atomically swaps the registry contents. An empty active version
// selects the last template in tpls. Duplicate versions and an unknown active
// version are rejected and leave the current contents in place.
func (r *Registry) Replace(tpls []*Template, active string) error {
	if len(tpls) == 0 {
		return fmt.Errorf("template registry: no templates loaded")
	}

	s := &snapshot{
		templates: make(map[string]*Template, len(tpls)),
	}
	var checksumParts []string
	for _, t := range tpls {
		if prev, dup := s.templates[t.Version()]; dup {
			return fmt.Errorf("template registry: version %q loaded twice (%s, %s)",
				t.Version(), prev.Source(), t.Source())
		}
		s.templates[t.Version()] = t
		s.versions = append(s.versions, t.Version())
		checksumParts = append(checksumParts, t.Version()+"="+t.Checksum())
	}
	sort.Strings(s.versions)

	if active == "" {
		active = tpls[len(tpls)-1].Version()
	}
	if _, ok := s.templates[active]; !ok {
		return fmt.Errorf("template registry: active version %q is not loaded", active)
	}
	s.active = active

	sort.Strings(checksumParts)
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(strings.Join(checksumParts, ":"))))

	r.snap.Store(s)
	return nil
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Get returns the template with the given version.
func (r *Registry) Get(version string) (*Template, bool) {
	t, ok := r.current().templates[version]
	return t, ok
}

// Active returns the template used for new cases.
func (r *Registry) Active() *Template {
	s := r.current()
	return s.templates[s.active]
}

// Resolve returns the template for a pinned version. When that version is no
// longer loaded it returns the active template and fellBack is true.
func (r *Registry) Resolve(version string) (tpl *Template, fellBack bool) {
	s := r.current()
	if t, ok := s.templates[version]; ok {
		return t, false
	}
	return s.templates[s.active], true
}

// All returns every loaded template sorted by version.
func (r *Registry) All() []*Template {
	s := r.current()
	out := make([]*Template, 0, len(s.versions))
	for _, v := range s.versions {
		out = append(out, s.templates[v])
	}
	return out
}

// Checksum returns the combined checksum of all loaded templates.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
