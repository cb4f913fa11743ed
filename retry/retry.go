// Package retry decides what happens to a message whose processing failed:
// redeliver it after an exponential delay, or dead-letter it.
//
// The decision itself is a pure function of the failure's coordinates, the
// policy settings, the number of prior attempts and the failure class. The
// Coordinator adds a persistent attempt ledger on top so that redeliveries
// are counted across processes and duplicate redeliveries do not advance the
// count.
package retry

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	querydispatch "github.com/CDCgov/nhsnlink-sub007"
	"github.com/CDCgov/nhsnlink-sub007/backoff"
	"github.com/CDCgov/nhsnlink-sub007/event"
)

// Dead-letter reasons.
const (
	ReasonMaxRetries    = "max retries exceeded"
	ReasonUnprocessable = "unprocessable message"
)

// Coordinates locate a message on the stream.
type Coordinates struct {
	Topic     string `json:"topic"`
	Partition int    `json:"partition"`
	Offset    int64  `json:"offset"`
	Key       string `json:"key,omitempty"`
}

// String returns "topic/partition/offset", the ledger key.
func (c Coordinates) String() string {
	return c.Topic + "/" + strconv.Itoa(c.Partition) + "/" + strconv.FormatInt(c.Offset, 10)
}

// FailureClass distinguishes failures worth retrying from ones that never
// will succeed.
type FailureClass int

const (
	// Transient failures are retried with backoff.
	Transient FailureClass = iota
	// Poison failures (undecodable or semantically invalid payloads) are
	// dead-lettered on first failure.
	Poison
)

func (c FailureClass) String() string {
	if c == Poison {
		return "poison"
	}
	return "transient"
}

// Classify returns Poison for errors wrapping event.ErrUnprocessable and
// Transient for everything else, timeouts included.
func Classify(err error) FailureClass {
	if errors.Is(err, event.ErrUnprocessable) {
		return Poison
	}
	return Transient
}

// Settings is the retry policy.
type Settings struct {
	MaxRetries     int           `json:"max_retries"`
	BaseDelay      time.Duration `json:"base_delay"`
	MaxDelay       time.Duration `json:"max_delay"`
	JitterFraction float64       `json:"jitter_fraction,omitempty"`
}

// DefaultSettings returns the policy derived from querydispatch.DefaultConfig.
func DefaultSettings() Settings {
	return SettingsFromConfig(querydispatch.DefaultConfig())
}

// SettingsFromConfig extracts the retry policy from an engine Config.
func SettingsFromConfig(c querydispatch.Config) Settings {
	return Settings{
		MaxRetries:     c.MaxRetries,
		BaseDelay:      c.BaseDelay,
		MaxDelay:       c.MaxDelay,
		JitterFraction: c.JitterFraction,
	}
}

// Validate checks the policy for internal consistency.
func (s Settings) Validate() error {
	switch {
	case s.MaxRetries < 0:
		return fmt.Errorf("retry: max retries must not be negative, got %d", s.MaxRetries)
	case s.BaseDelay < 0:
		return fmt.Errorf("retry: base delay must not be negative, got %v", s.BaseDelay)
	case s.MaxDelay > 0 && s.MaxDelay < s.BaseDelay:
		return fmt.Errorf("retry: max delay %v is below base delay %v", s.MaxDelay, s.BaseDelay)
	case s.JitterFraction < 0 || s.JitterFraction >= 1:
		return fmt.Errorf("retry: jitter fraction must be in [0, 1), got %v", s.JitterFraction)
	}
	return nil
}

// Strategy returns the backoff strategy implied by s. Attempt n (1-indexed)
// waits min(BaseDelay * 2^(n-1), MaxDelay), jittered when configured.
func (s Settings) Strategy() backoff.Strategy {
	exp := backoff.NewExponential(s.BaseDelay, s.MaxDelay)
	if s.JitterFraction <= 0 {
		return exp
	}
	return backoff.NewJittered(exp, s.JitterFraction, s.MaxDelay)
}

// Action is what to do with a failed message.
type Action string

const (
	// RetryAfter redelivers the message once Delay has elapsed.
	RetryAfter Action = "retry_after"
	// DeadLetter removes the message from the retry path.
	DeadLetter Action = "dead_letter"
)

// Decision is the outcome of evaluating a failure.
type Decision struct {
	Action      Action        `json:"action"`
	Delay       time.Duration `json:"delay,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	Coordinates Coordinates   `json:"coordinates"`
	// Attempt is the failure count including this one.
	Attempt int `json:"attempt"`
	// NextEligibleAt is set by the Coordinator for RetryAfter decisions.
	NextEligibleAt time.Time `json:"next_eligible_at,omitempty"`
	// Duplicate is set when the failure belonged to a delivery already
	// accounted for; the recorded decision is returned unchanged.
	Duplicate bool `json:"duplicate,omitempty"`
}

// Policy evaluates failures against fixed settings.
type Policy struct {
	settings Settings
	strategy backoff.Strategy
}

// NewPolicy creates a Policy for s.
func NewPolicy(s Settings) *Policy {
	return &Policy{settings: s, strategy: s.Strategy()}
}

// WithStrategy returns a copy of p using strategy for delays.
func (p *Policy) WithStrategy(strategy backoff.Strategy) *Policy {
	return &Policy{settings: p.settings, strategy: strategy}
}

// Settings returns the policy's settings.
func (p *Policy) Settings() Settings { return p.settings }

// Evaluate decides the fate of a failure after prior failed attempts.
func (p *Policy) Evaluate(c Coordinates, prior int, class FailureClass) Decision {
	if prior < 0 {
		prior = 0
	}
	d := Decision{Coordinates: c, Attempt: prior + 1}
	switch {
	case class == Poison:
		d.Action = DeadLetter
		d.Reason = ReasonUnprocessable
	case prior >= p.settings.MaxRetries:
		d.Action = DeadLetter
		d.Reason = ReasonMaxRetries
	default:
		d.Action = RetryAfter
		d.Delay = p.strategy.Delay(prior + 1)
	}
	return d
}

// EvaluateFailure is Evaluate with a policy built from s.
func EvaluateFailure(c Coordinates, s Settings, prior int, class FailureClass) Decision {
	return NewPolicy(s).Evaluate(c, prior, class)
}
