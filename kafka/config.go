package kafka

import (
	"time"

	kafkago "github.com/segmentio/kafka-go"
)

// Config holds connection and topic settings.
type Config struct {
	Brokers []string `json:"brokers" yaml:"brokers" mapstructure:"brokers"`
	GroupID string   `json:"groupId" yaml:"groupId" mapstructure:"groupId"`

	// Topics are consumed by the Source. The retry topic is appended
	// automatically.
	Topics []string `json:"topics" yaml:"topics" mapstructure:"topics"`

	RetryTopic    string `json:"retryTopic" yaml:"retryTopic" mapstructure:"retryTopic"`
	DispatchTopic string `json:"dispatchTopic" yaml:"dispatchTopic" mapstructure:"dispatchTopic"`
	AuditTopic    string `json:"auditTopic" yaml:"auditTopic" mapstructure:"auditTopic"`

	MinBytes     int           `json:"minBytes" yaml:"minBytes" mapstructure:"minBytes"`
	MaxBytes     int           `json:"maxBytes" yaml:"maxBytes" mapstructure:"maxBytes"`
	BatchTimeout time.Duration `json:"batchTimeout" yaml:"batchTimeout" mapstructure:"batchTimeout"`
}

// Topic names used by the platform.
const (
	TopicPatientEvent    = "PatientEvent"
	TopicReportScheduled = "ReportScheduled"
	TopicReportSubmitted = "ReportSubmitted"
	TopicRetry           = "QueryDispatch-Retry"
	TopicDataAcquisition = "DataAcquisitionRequested"
	TopicAudit           = "AuditableEventOccurred"
)

// DefaultConfig returns a Config for a local broker.
func DefaultConfig() Config {
	return Config{
		Brokers:       []string{"localhost:9092"},
		GroupID:       "querydispatch",
		Topics:        []string{TopicPatientEvent, TopicReportScheduled, TopicReportSubmitted},
		RetryTopic:    TopicRetry,
		DispatchTopic: TopicDataAcquisition,
		AuditTopic:    TopicAudit,
		MinBytes:      1,
		MaxBytes:      10e6,
		BatchTimeout:  10 * time.Millisecond,
	}
}

// consumedTopics returns Topics plus the retry topic, without duplicates.
func (c Config) consumedTopics() []string {
	out := make([]string, 0, len(c.Topics)+1)
	seen := make(map[string]bool, len(c.Topics)+1)
	for _, t := range append(append([]string(nil), c.Topics...), c.RetryTopic) {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// NewReader creates a consumer-group reader over every consumed topic.
// Offsets are committed explicitly by the Source.
func NewReader(c Config) *kafkago.Reader {
	return kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     c.Brokers,
		GroupID:     c.GroupID,
		GroupTopics: c.consumedTopics(),
		MinBytes:    c.MinBytes,
		MaxBytes:    c.MaxBytes,
	})
}

// NewWriter creates a writer that routes by message key so that records
// for the same key land on the same partition. The topic is set per message.
func NewWriter(c Config) *kafkago.Writer {
	return &kafkago.Writer{
		Addr:                   kafkago.TCP(c.Brokers...),
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		BatchTimeout:           c.BatchTimeout,
		AllowAutoTopicCreation: true,
	}
}
