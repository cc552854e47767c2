package display

import (
	"fmt"
	"sort"

	"qms/dispatch-service/internal/models"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	defaultPageSize      = 8
	defaultRotateSeconds = 10
)

// Display is a named public screen. Each section pages through its own ticket list.
type Display struct {
	ID            string    `koanf:"-" json:"display_id"`
	Name          string    `koanf:"name" json:"name"`
	RotateSeconds int       `koanf:"rotate_seconds" json:"rotate_seconds"`
	Sections      []Section `koanf:"sections" json:"sections"`
}

type Section struct {
	Name        string          `koanf:"name" json:"name"`
	Departments []string        `koanf:"departments" json:"departments"`
	Statuses    []models.Status `koanf:"statuses" json:"statuses"`
	PageSize    int             `koanf:"page_size" json:"page_size"`
}

type configFile struct {
	Displays map[string]Display `koanf:"displays"`
}

// Registry is the read-only set of display configurations.
type Registry struct {
	displays map[string]Display
}

func Load(path string) (*Registry, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load displays %s: %w", path, err)
	}
	var f configFile
	if err := k.UnmarshalWithConf("", &f, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("decode displays %s: %w", path, err)
	}
	displays := make([]Display, 0, len(f.Displays))
	for id, d := range f.Displays {
		d.ID = id
		displays = append(displays, d)
	}
	return NewRegistry(displays...)
}

func NewRegistry(displays ...Display) (*Registry, error) {
	r := &Registry{displays: make(map[string]Display, len(displays))}
	for _, d := range displays {
		if d.ID == "" {
			return nil, fmt.Errorf("display without id")
		}
		if _, dup := r.displays[d.ID]; dup {
			return nil, fmt.Errorf("display %s defined twice", d.ID)
		}
		if d.RotateSeconds <= 0 {
			d.RotateSeconds = defaultRotateSeconds
		}
		if len(d.Sections) == 0 {
			return nil, fmt.Errorf("display %s has no sections", d.ID)
		}
		for i := range d.Sections {
			s := &d.Sections[i]
			if len(s.Departments) == 0 {
				return nil, fmt.Errorf("display %s section %q has no departments", d.ID, s.Name)
			}
			for _, st := range s.Statuses {
				if !st.Valid() {
					return nil, fmt.Errorf("display %s section %q: unknown status %q", d.ID, s.Name, st)
				}
			}
			if s.PageSize <= 0 {
				s.PageSize = defaultPageSize
			}
		}
		r.displays[d.ID] = d
	}
	return r, nil
}

func (r *Registry) Get(id string) (Display, bool) {
	if r == nil {
		return Display{}, false
	}
	d, ok := r.displays[id]
	return d, ok
}

// Departments is the union of departments shown on the display, sorted.
func (r *Registry) Departments(id string) ([]string, bool) {
	d, ok := r.Get(id)
	if !ok {
		return nil, false
	}
	seen := map[string]bool{}
	var out []string
	for _, s := range d.Sections {
		for _, dept := range s.Departments {
			if !seen[dept] {
				seen[dept] = true
				out = append(out, dept)
			}
		}
	}
	sort.Strings(out)
	return out, true
}

func (r *Registry) IDs() []string {
	if r == nil {
		return nil
	}
	ids := make([]string, 0, len(r.displays))
	for id := range r.displays {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
