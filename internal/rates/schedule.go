package rates

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

const dateLayout = "2006-01-02"

// Date is a calendar date serialized as YYYY-MM-DD.
type Date struct {
	time.Time
}

// NewDate truncates t to a UTC calendar date.
func NewDate(t time.Time) Date {
	return Date{time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses YYYY-MM-DD.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, eris.Wrapf(err, "rates: parse date %q", s)
	}
	return Date{t}, nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Date) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := ParseDate(node.Value)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Date) MarshalYAML() (any, error) {
	return d.Format(dateLayout), nil
}

// Schedule is a payer-specific, effective-dated fee schedule.
// ExpirationDate, when set, is the first day the schedule no longer applies.
type Schedule struct {
	PayerID        string             `yaml:"payer_id"`
	Name           string             `yaml:"name"`
	EffectiveDate  Date               `yaml:"effective_date"`
	ExpirationDate *Date              `yaml:"expiration_date,omitempty"`
	Rates          map[string]float64 `yaml:"rates"`
}

// ActiveAt reports whether the schedule is in force at t.
func (s *Schedule) ActiveAt(t time.Time) bool {
	if s.EffectiveDate.After(t) {
		return false
	}
	return s.ExpirationDate == nil || t.Before(s.ExpirationDate.Time)
}

// PayerLookup checks payer schedules before falling back to the default table.
type PayerLookup struct {
	Default   *Table
	Schedules []Schedule

	nowFunc func() time.Time
}

// NewPayerLookup creates a PayerLookup. A nil def uses DefaultTable.
func NewPayerLookup(def *Table, schedules []Schedule) *PayerLookup {
	if def == nil {
		def = DefaultTable()
	}
	return &PayerLookup{Default: def, Schedules: schedules, nowFunc: time.Now}
}

// Schedule returns the schedule that governs payer at t: the one with the
// latest effective date among those that are active.
func (l *PayerLookup) Schedule(payerID string, t time.Time) (*Schedule, bool) {
	if payerID == "" {
		return nil, false
	}
	var best *Schedule
	for i := range l.Schedules {
		s := &l.Schedules[i]
		if !strings.EqualFold(s.PayerID, payerID) || !s.ActiveAt(t) {
			continue
		}
		if best == nil || s.EffectiveDate.After(best.EffectiveDate.Time) {
			best = s
		}
	}
	return best, best != nil
}

// Rate implements Lookup.
func (l *PayerLookup) Rate(ctx context.Context, q Query) (Rate, bool) {
	asOf := q.AsOf
	if asOf.IsZero() {
		asOf = l.nowFunc()
	}
	if s, ok := l.Schedule(q.PayerID, asOf); ok {
		if amt, ok := s.Rates[q.Code]; ok {
			return Rate{Amount: amt, Source: scheduleSource(s)}, true
		}
	}
	return l.Default.Rate(ctx, q)
}

func scheduleSource(s *Schedule) string {
	name := s.Name
	if name == "" {
		name = s.EffectiveDate.Format(dateLayout)
	}
	return s.PayerID + "/" + name
}
