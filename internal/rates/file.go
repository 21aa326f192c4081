package rates

import (
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/chart-audit/internal/codes"
)

// File is the on-disk YAML layout for rate data.
type File struct {
	Default   map[string]float64 `yaml:"default,omitempty"`
	Schedules []Schedule         `yaml:"schedules,omitempty"`
}

// LoadFile reads a YAML rate file. Codes are normalized on load.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "rates: read %s", path)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "rates: parse %s", path)
	}
	f.Default = normalizeKeys(f.Default)
	for i := range f.Schedules {
		s := &f.Schedules[i]
		if s.PayerID == "" {
			return nil, eris.Errorf("rates: %s: schedule %d has no payer_id", path, i)
		}
		if s.EffectiveDate.IsZero() {
			return nil, eris.Errorf("rates: %s: schedule %q has no effective_date", path, s.Name)
		}
		s.Rates = normalizeKeys(s.Rates)
	}
	return &f, nil
}

// WriteFile writes f as YAML, replacing any existing file.
func WriteFile(path string, f *File) error {
	sort.SliceStable(f.Schedules, func(i, j int) bool {
		if f.Schedules[i].PayerID != f.Schedules[j].PayerID {
			return f.Schedules[i].PayerID < f.Schedules[j].PayerID
		}
		return f.Schedules[i].EffectiveDate.Before(f.Schedules[j].EffectiveDate.Time)
	})
	data, err := yaml.Marshal(f)
	if err != nil {
		return eris.Wrap(err, "rates: marshal")
	}
	return eris.Wrapf(os.WriteFile(path, data, 0o644), "rates: write %s", path)
}

// LoadLookup builds a PayerLookup from the given files. Default entries
// override the built-in table; schedules from all files are combined.
func LoadLookup(paths ...string) (*PayerLookup, error) {
	table := DefaultTable()
	var schedules []Schedule
	for _, p := range paths {
		if p == "" {
			continue
		}
		f, err := LoadFile(p)
		if err != nil {
			return nil, err
		}
		table = table.Merge(f.Default)
		schedules = append(schedules, f.Schedules...)
	}
	return NewPayerLookup(table, schedules), nil
}

func normalizeKeys(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[codes.Normalize(k)] = v
	}
	return out
}
