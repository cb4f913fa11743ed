package queue

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limit is a rate and concurrency bound.
type Limit struct {
	// Rate is the sustained emissions per second. Zero disables rate limiting.
	Rate float64 `json:"rate" yaml:"rate" mapstructure:"rate"`

	// Burst is the token-bucket burst size. Defaults to 1 when Rate is set.
	Burst int `json:"burst" yaml:"burst" mapstructure:"burst"`

	// MaxConcurrency caps simultaneous in-flight emissions. Zero means no cap.
	MaxConcurrency int `json:"maxConcurrency" yaml:"maxConcurrency" mapstructure:"maxConcurrency"`
}

// IsZero reports whether l imposes no limit at all.
func (l Limit) IsZero() bool { return l.Rate <= 0 && l.MaxConcurrency <= 0 }

// FacilityConfig binds a Limit to one facility.
type FacilityConfig struct {
	FacilityID string
	Limit      Limit
}

// facilityState tracks runtime state for a single facility.
type facilityState struct {
	limit   Limit
	limiter *rate.Limiter
	active  int
}

func newFacilityState(l Limit) *facilityState {
	fs := &facilityState{limit: l}
	if l.Rate > 0 {
		burst := l.Burst
		if burst <= 0 {
			burst = 1
		}
		fs.limiter = rate.NewLimiter(rate.Limit(l.Rate), burst)
	}
	return fs
}

// Manager enforces per-facility emission limits. It is safe for concurrent
// use.
type Manager struct {
	mu         sync.Mutex
	def        Limit
	configured map[string]bool
	facilities map[string]*facilityState
}

// Option configures a Manager.
type Option func(*Manager)

// WithDefault sets the limit applied to facilities without their own config.
func WithDefault(l Limit) Option {
	return func(m *Manager) { m.def = l }
}

// NewManager creates a Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		configured: make(map[string]bool),
		facilities: make(map[string]*facilityState),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Set configures a facility's limit. Calling it again replaces the limit and
// preserves the in-flight count.
func (m *Manager) Set(cfg FacilityConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fs := newFacilityState(cfg.Limit)
	if existing := m.facilities[cfg.FacilityID]; existing != nil {
		fs.active = existing.active
	}
	m.facilities[cfg.FacilityID] = fs
	m.configured[cfg.FacilityID] = true
}

// Remove drops a facility's config. In-flight emissions still Release safely.
func (m *Manager) Remove(facilityID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.facilities, facilityID)
	delete(m.configured, facilityID)
}

// state returns the facility's state, creating it from the default limit on
// first use. The caller holds m.mu.
func (m *Manager) state(facilityID string) *facilityState {
	if fs := m.facilities[facilityID]; fs != nil {
		return fs
	}
	if m.def.IsZero() {
		return nil
	}
	fs := newFacilityState(m.def)
	m.facilities[facilityID] = fs
	return fs
}

// Acquire reports whether the facility may emit now. On true the caller
// MUST call Release when the emission completes.
func (m *Manager) Acquire(facilityID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	fs := m.state(facilityID)
	if fs == nil {
		return true
	}
	if fs.limit.MaxConcurrency > 0 && fs.active >= fs.limit.MaxConcurrency {
		return false
	}
	if fs.limiter != nil && !fs.limiter.Allow() {
		return false
	}
	fs.active++
	return true
}

// Release returns an in-flight slot.
func (m *Manager) Release(facilityID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fs := m.facilities[facilityID]; fs != nil && fs.active > 0 {
		fs.active--
	}
}

// ActiveCount returns the facility's in-flight emissions.
func (m *Manager) ActiveCount(facilityID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fs := m.facilities[facilityID]; fs != nil {
		return fs.active
	}
	return 0
}

// Configured reports whether the facility has an explicit config.
func (m *Manager) Configured(facilityID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.configured[facilityID]
}
