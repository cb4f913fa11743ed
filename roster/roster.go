// Package roster defines the census collaborator that lists the patients a
// facility reports on for a period.
package roster

import (
	"context"
	"sort"

	"github.com/CDCgov/nhsnlink-sub007/report"
)

// Provider lists the patients in scope for a closed reporting period.
type Provider interface {
	Patients(ctx context.Context, r *report.ScheduledReport) ([]string, error)
}

// Func adapts a function to Provider.
type Func func(ctx context.Context, r *report.ScheduledReport) ([]string, error)

// Patients implements Provider.
func (f Func) Patients(ctx context.Context, r *report.ScheduledReport) ([]string, error) {
	return f(ctx, r)
}

// Static serves a fixed patient list per facility id.
type Static map[string][]string

// Patients implements Provider. Unknown facilities have an empty census.
func (s Static) Patients(_ context.Context, r *report.ScheduledReport) ([]string, error) {
	out := append([]string(nil), s[r.FacilityID]...)
	sort.Strings(out)
	return out, nil
}
