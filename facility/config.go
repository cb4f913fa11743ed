// Package facility holds per-facility reporting configuration: which report
// types are produced at which cadence, and which dispatch schedules react to
// patient events. Configuration arrives as full-replace snapshots and is
// validated eagerly: an invalid facility never activates.
package facility

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/CDCgov/nhsnlink-sub007/frequency"
	"github.com/CDCgov/nhsnlink-sub007/report"
	"github.com/CDCgov/nhsnlink-sub007/schedule"
)

// ReportSet is a group of report types produced together at one cadence.
type ReportSet struct {
	ReportTypes []string `json:"reportTypes" yaml:"reportTypes" mapstructure:"reportTypes" validate:"min=1,dive,required"`
	Frequency   string   `json:"frequency" yaml:"frequency" mapstructure:"frequency" validate:"required"`
}

// ScheduleSpec binds a trigger event to an ISO-8601 delay.
type ScheduleSpec struct {
	Event    string `json:"event" yaml:"event" mapstructure:"event" validate:"required"`
	Duration string `json:"duration" yaml:"duration" mapstructure:"duration" validate:"required"`
}

// Config is one facility's configuration as supplied by the configuration
// collaborator.
type Config struct {
	FacilityID        string         `json:"facilityId" yaml:"facilityId" mapstructure:"facilityId" validate:"required"`
	ReportSets        []ReportSet    `json:"reportSets" yaml:"reportSets" mapstructure:"reportSets" validate:"min=1,dive"`
	DispatchSchedules []ScheduleSpec `json:"dispatchSchedules" yaml:"dispatchSchedules" mapstructure:"dispatchSchedules" validate:"dive"`
}

// ConfigurationError reports a facility configuration that cannot activate.
type ConfigurationError struct {
	FacilityID string
	Err        error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("facility %q: invalid configuration: %v", e.FacilityID, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// CompiledSet is a validated report set.
type CompiledSet struct {
	Key         string
	Frequency   frequency.Frequency
	ReportTypes []string
}

// Compiled is a validated, ready-to-apply facility configuration.
type Compiled struct {
	FacilityID  string
	Sets        []CompiledSet
	Schedules   schedule.Set
	Fingerprint string
}

// Set returns the compiled set with the given key.
func (c *Compiled) Set(key string) (CompiledSet, bool) {
	for _, s := range c.Sets {
		if s.Key == key {
			return s, true
		}
	}
	return CompiledSet{}, false
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Compile validates c. Every problem is reported, joined, inside a single
// *ConfigurationError.
func (c Config) Compile() (*Compiled, error) {
	if err := validate.Struct(c); err != nil {
		return nil, &ConfigurationError{FacilityID: c.FacilityID, Err: err}
	}

	var errs []error
	out := &Compiled{FacilityID: c.FacilityID}
	seen := make(map[string]struct{}, len(c.ReportSets))

	for _, rs := range c.ReportSets {
		f, err := frequency.Parse(rs.Frequency)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		key := report.SetKey(f, rs.ReportTypes)
		if _, dup := seen[key]; dup {
			errs = append(errs, fmt.Errorf("duplicate report set %s", key))
			continue
		}
		seen[key] = struct{}{}
		types := append([]string(nil), rs.ReportTypes...)
		sort.Strings(types)
		out.Sets = append(out.Sets, CompiledSet{Key: key, Frequency: f, ReportTypes: types})
	}

	events := make(map[string]struct{}, len(c.DispatchSchedules))
	for _, sc := range c.DispatchSchedules {
		ds, err := schedule.Parse(sc.Event, sc.Duration)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ev := strings.ToLower(ds.Event)
		if _, dup := events[ev]; dup {
			errs = append(errs, fmt.Errorf("duplicate dispatch schedule for event %q", ds.Event))
			continue
		}
		events[ev] = struct{}{}
		out.Schedules = append(out.Schedules, ds)
	}

	if len(errs) > 0 {
		return nil, &ConfigurationError{FacilityID: c.FacilityID, Err: errors.Join(errs...)}
	}

	sort.Slice(out.Sets, func(i, j int) bool { return out.Sets[i].Key < out.Sets[j].Key })
	sort.Slice(out.Schedules, func(i, j int) bool { return out.Schedules[i].Event < out.Schedules[j].Event })
	fp, _ := json.Marshal(struct {
		Sets      []CompiledSet
		Schedules schedule.Set
	}{out.Sets, out.Schedules})
	out.Fingerprint = string(fp)
	return out, nil
}
