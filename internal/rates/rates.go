// Package rates resolves billing codes to reimbursement amounts.
package rates

import (
	"context"
	"math"
	"time"

	"github.com/sells-group/chart-audit/internal/model"
)

// SourceDefault identifies amounts from the default table.
const SourceDefault = "default"

// Query identifies the code to price and, optionally, the payer and date.
type Query struct {
	Code    string
	Family  model.CodeFamily
	PayerID string
	AsOf    time.Time
}

// Rate is a resolved amount and the table it came from.
type Rate struct {
	Amount float64
	Source string
}

// Lookup resolves code rates. ok is false for unknown codes.
type Lookup interface {
	Rate(ctx context.Context, q Query) (Rate, bool)
}

// Table is a static code -> amount table.
type Table struct {
	Name  string
	Rates map[string]float64
}

// Rate implements Lookup.
func (t *Table) Rate(_ context.Context, q Query) (Rate, bool) {
	if t == nil {
		return Rate{}, false
	}
	amt, ok := t.Rates[q.Code]
	if !ok {
		return Rate{}, false
	}
	return Rate{Amount: amt, Source: t.Name}, true
}

// Len returns the number of codes in the table.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rates)
}

// Merge returns a copy of t with overrides applied on top.
func (t *Table) Merge(overrides map[string]float64) *Table {
	out := &Table{Name: t.Name, Rates: make(map[string]float64, len(t.Rates)+len(overrides))}
	for k, v := range t.Rates {
		out.Rates[k] = v
	}
	for k, v := range overrides {
		out.Rates[k] = v
	}
	return out
}

// DefaultTable returns the built-in national average amounts in USD.
// Diagnosis codes carry no fee and are intentionally absent.
func DefaultTable() *Table {
	return &Table{
		Name: SourceDefault,
		Rates: map[string]float64{
			// Office/outpatient, new patient.
			"99202": 73.00,
			"99203": 112.00,
			"99204": 167.00,
			"99205": 221.00,
			// Office/outpatient, established patient.
			"99211": 23.00,
			"99212": 57.00,
			"99213": 92.00,
			"99214": 131.00,
			"99215": 185.00,
			// Inpatient initial and subsequent care.
			"99221": 106.00,
			"99222": 136.00,
			"99223": 199.00,
			"99231": 50.00,
			"99232": 79.00,
			"99233": 118.00,
			"99238": 77.00,
			"99239": 109.00,
			// Emergency department.
			"99281": 22.00,
			"99282": 41.00,
			"99283": 71.00,
			"99284": 121.00,
			"99285": 175.00,
			// Transitional care management.
			"99495": 200.00,
			"99496": 272.00,
			// Chronic care management.
			"99490": 62.00,
			"99491": 82.00,
			// Common procedures and labs.
			"36415": 3.00,
			"80053": 10.00,
			"85025": 8.00,
			"93000": 17.00,
			"96372": 14.00,
			// HCPCS.
			"G0438": 170.00,
			"G0439": 131.00,
			"G2211": 16.00,
			"J1100": 1.00,
			"J3420": 1.00,
		},
	}
}

// Round rounds a USD amount to cents.
func Round(v float64) float64 {
	return math.Round(v*100) / 100
}
