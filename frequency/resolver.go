package frequency

import "time"

// Resolver computes reporting periods. It holds no mutable state and is safe
// for concurrent use.
type Resolver struct {
	weekStart time.Weekday
	loc       *time.Location
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithWeekStart sets the first day of weekly periods. Default Monday.
func WithWeekStart(d time.Weekday) Option {
	return func(r *Resolver) { r.weekStart = d }
}

// WithLocation sets the location whose calendar defines day boundaries.
// Default UTC.
func WithLocation(loc *time.Location) Option {
	return func(r *Resolver) {
		if loc != nil {
			r.loc = loc
		}
	}
}

// NewResolver creates a Resolver.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{weekStart: time.Monday, loc: time.UTC}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WeekStart returns the configured first day of the week.
func (r *Resolver) WeekStart() time.Weekday { return r.weekStart }

// ResolvePeriod returns the period of cadence f containing ref. An instant
// exactly on a boundary belongs to the period that starts there.
func (r *Resolver) ResolvePeriod(f Frequency, ref time.Time) (Period, error) {
	local := ref.In(r.loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, r.loc)

	switch f {
	case Daily:
		return Period{Start: day, End: day.AddDate(0, 0, 1)}, nil
	case Weekly:
		back := (int(day.Weekday()) - int(r.weekStart) + 7) % 7
		start := day.AddDate(0, 0, -back)
		return Period{Start: start, End: start.AddDate(0, 0, 7)}, nil
	case Monthly:
		start := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, r.loc)
		return Period{Start: start, End: start.AddDate(0, 1, 0)}, nil
	}

	every, err := f.interval()
	if err != nil {
		return Period{}, err
	}
	anchor := time.Date(1970, time.January, 1, 0, 0, 0, 0, r.loc)
	return r.ResolveInterval(every, anchor, ref), nil
}

// ResolveInterval tiles the time line with fixed windows of length every
// starting at anchor and returns the window containing ref.
func (r *Resolver) ResolveInterval(every time.Duration, anchor, ref time.Time) Period {
	if every <= 0 {
		return Period{Start: ref, End: ref}
	}
	off := ref.Sub(anchor)
	n := off / every
	if off < 0 && off%every != 0 {
		n--
	}
	start := anchor.Add(n * every).In(r.loc)
	return Period{Start: start, End: start.Add(every)}
}

// Next returns the period immediately following p.
func (r *Resolver) Next(f Frequency, p Period) (Period, error) {
	return r.ResolvePeriod(f, p.End)
}
