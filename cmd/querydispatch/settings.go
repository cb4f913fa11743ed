package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	querydispatch "github.com/CDCgov/nhsnlink-sub007"
	"github.com/CDCgov/nhsnlink-sub007/alert"
	"github.com/CDCgov/nhsnlink-sub007/kafka"
	"github.com/CDCgov/nhsnlink-sub007/queue"
)

// envPrefix namespaces environment overrides, e.g.
// QUERYDISPATCH_STORE_DRIVER=postgres.
const envPrefix = "QUERYDISPATCH"

// Settings is the process configuration file.
type Settings struct {
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Engine EngineSettings `mapstructure:"engine"`

	Store struct {
		// Driver is one of memory, postgres, redis or mongo.
		Driver   string `mapstructure:"driver"`
		URL      string `mapstructure:"url"`
		Database string `mapstructure:"database"`
	} `mapstructure:"store"`

	Kafka kafka.Config `mapstructure:"kafka"`

	// Facilities is the path of the facility configuration snapshot.
	Facilities string `mapstructure:"facilities"`

	// Roster is a fixed census per facility for period-end fan-out.
	Roster map[string][]string `mapstructure:"roster"`

	// Limits overrides the emission throttle of individual facilities.
	Limits []queue.FacilityConfig `mapstructure:"limits"`

	Alert struct {
		LateThreshold time.Duration `mapstructure:"lateThreshold"`
		Slack         struct {
			Token   string `mapstructure:"token"`
			Channel string `mapstructure:"channel"`
		} `mapstructure:"slack"`
		Email alert.EmailConfig `mapstructure:"email"`
	} `mapstructure:"alert"`

	// Audit enables publishing audit events to the audit topic.
	Audit bool `mapstructure:"audit"`
}

// EngineSettings mirrors querydispatch.Config in file form.
type EngineSettings struct {
	Workers         int           `mapstructure:"workers"`
	QueueDepth      int           `mapstructure:"queueDepth"`
	SweepSchedule   string        `mapstructure:"sweepSchedule"`
	FireInterval    time.Duration `mapstructure:"fireInterval"`
	RefreshSchedule string        `mapstructure:"refreshSchedule"`
	HandlerTimeout  time.Duration `mapstructure:"handlerTimeout"`
	FireBatch       int           `mapstructure:"fireBatch"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
	WeekStart       string        `mapstructure:"weekStart"`
	Timezone        string        `mapstructure:"timezone"`
	MaxRetries      int           `mapstructure:"maxRetries"`
	BaseDelay       time.Duration `mapstructure:"baseDelay"`
	MaxDelay        time.Duration `mapstructure:"maxDelay"`
	JitterFraction  float64       `mapstructure:"jitterFraction"`
	LedgerRetention time.Duration `mapstructure:"ledgerRetention"`
	EmitRate        float64       `mapstructure:"emitRate"`
	EmitBurst       int           `mapstructure:"emitBurst"`
}

// setDefaults seeds v with the library defaults so that a missing config
// file still yields a runnable in-memory setup.
func setDefaults(v *viper.Viper) {
	d := querydispatch.DefaultConfig()
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("engine.workers", d.Workers)
	v.SetDefault("engine.queueDepth", d.QueueDepth)
	v.SetDefault("engine.sweepSchedule", d.SweepSchedule)
	v.SetDefault("engine.fireInterval", d.FireInterval)
	v.SetDefault("engine.refreshSchedule", d.RefreshSchedule)
	v.SetDefault("engine.handlerTimeout", d.HandlerTimeout)
	v.SetDefault("engine.fireBatch", d.FireBatch)
	v.SetDefault("engine.shutdownTimeout", d.ShutdownTimeout)
	v.SetDefault("engine.weekStart", d.WeekStart.String())
	v.SetDefault("engine.timezone", d.Timezone)
	v.SetDefault("engine.maxRetries", d.MaxRetries)
	v.SetDefault("engine.baseDelay", d.BaseDelay)
	v.SetDefault("engine.maxDelay", d.MaxDelay)
	v.SetDefault("engine.jitterFraction", d.JitterFraction)
	v.SetDefault("engine.ledgerRetention", d.LedgerRetention)
	v.SetDefault("engine.emitRate", d.EmitRate)
	v.SetDefault("engine.emitBurst", d.EmitBurst)

	k := kafka.DefaultConfig()
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.database", "querydispatch")
	v.SetDefault("kafka.brokers", k.Brokers)
	v.SetDefault("kafka.groupId", k.GroupID)
	v.SetDefault("kafka.topics", k.Topics)
	v.SetDefault("kafka.retryTopic", k.RetryTopic)
	v.SetDefault("kafka.dispatchTopic", k.DispatchTopic)
	v.SetDefault("kafka.auditTopic", k.AuditTopic)
	v.SetDefault("kafka.minBytes", k.MinBytes)
	v.SetDefault("kafka.maxBytes", k.MaxBytes)
	v.SetDefault("kafka.batchTimeout", k.BatchTimeout)
	v.SetDefault("facilities", "facilities.yaml")
	v.SetDefault("alert.lateThreshold", 15*time.Minute)
}

// loadSettings reads the config file, if any, and applies environment
// overrides. An explicit path that does not exist is an error; a missing
// default file is not.
func loadSettings(v *viper.Viper, path string) (Settings, error) {
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("querydispatch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/querydispatch")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Settings{}, fmt.Errorf("read config: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("decode config: %w", err)
	}
	return s, nil
}

// EngineConfig converts the file form into querydispatch.Config.
func (s EngineSettings) EngineConfig() (querydispatch.Config, error) {
	day, err := parseWeekday(s.WeekStart)
	if err != nil {
		return querydispatch.Config{}, err
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return querydispatch.Config{}, fmt.Errorf("engine.timezone: %w", err)
		}
	}
	return querydispatch.Config{
		Workers:         s.Workers,
		QueueDepth:      s.QueueDepth,
		SweepSchedule:   s.SweepSchedule,
		FireInterval:    s.FireInterval,
		RefreshSchedule: s.RefreshSchedule,
		HandlerTimeout:  s.HandlerTimeout,
		FireBatch:       s.FireBatch,
		ShutdownTimeout: s.ShutdownTimeout,
		WeekStart:       day,
		Timezone:        s.Timezone,
		MaxRetries:      s.MaxRetries,
		BaseDelay:       s.BaseDelay,
		MaxDelay:        s.MaxDelay,
		JitterFraction:  s.JitterFraction,
		LedgerRetention: s.LedgerRetention,
		EmitRate:        s.EmitRate,
		EmitBurst:       s.EmitBurst,
	}, nil
}

func parseWeekday(s string) (time.Weekday, error) {
	if s == "" {
		return time.Monday, nil
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(s, d.String()) || strings.EqualFold(s, d.String()[:3]) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("invalid week start %q", s)
}

// newLogger builds the process logger from the log section.
func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("log.format: unknown format %q", format)
	}
}
