// Package alert delivers operator notifications: rejected facility
// configuration, dead-lettered messages, escalated infrastructure failures
// and late period closures.
//
// A [Notifier] is the delivery channel. [LogNotifier] writes to slog,
// [SlackNotifier] posts to a Slack channel, [EmailNotifier] sends mail over
// SMTP and [Multi] fans out to several. [Extension] turns engine lifecycle
// hooks into alerts.
package alert

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"
)

// Kind classifies an alert.
type Kind string

const (
	KindConfigRejected Kind = "config_rejected"
	KindDeadLetter     Kind = "dead_letter"
	KindEscalation     Kind = "escalation"
	KindLateClosure    Kind = "late_closure"
)

// Level is the alert severity.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Alert is one operator notification.
type Alert struct {
	Kind       Kind
	Level      Level
	FacilityID string
	Title      string
	Message    string
	Fields     map[string]string
	At         time.Time
}

// SortedFields returns the field names in a stable order.
func (a Alert) SortedFields() []string {
	keys := make([]string, 0, len(a.Fields))
	for k := range a.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Notifier delivers alerts.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, a Alert) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, a Alert) error { return f(ctx, a) }

// LogNotifier writes alerts to a logger. It is the fallback channel when no
// external notifier is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify implements Notifier.
func (n LogNotifier) Notify(ctx context.Context, a Alert) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []slog.Attr{
		slog.String("kind", string(a.Kind)),
		slog.String("facility_id", a.FacilityID),
		slog.String("message", a.Message),
	}
	for _, k := range a.SortedFields() {
		attrs = append(attrs, slog.String(k, a.Fields[k]))
	}
	level := slog.LevelWarn
	switch a.Level {
	case LevelInfo:
		level = slog.LevelInfo
	case LevelCritical:
		level = slog.LevelError
	}
	logger.LogAttrs(ctx, level, "alert: "+a.Title, attrs...)
	return nil
}

// Multi fans an alert out to every notifier. All are attempted; the errors
// are joined.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
