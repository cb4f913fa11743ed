// Package kafka binds the stream boundaries to Kafka through
// segmentio/kafka-go.
//
// [Source] reads patient, report and configuration events with a consumer
// group and implements ingest.Source. A failed message is redelivered by
// republishing it to a retry topic with delivery and not-before headers and
// then committing the original offset; Fetch holds a redelivered message
// until its not-before instant. [Sink] writes dispatch commands keyed by
// their dedup key. [AuditRecorder] publishes audit events.
//
//	src := kafka.NewSource(kafka.NewReader(cfg), kafka.NewWriter(cfg), kafka.WithRetryTopic(cfg.RetryTopic))
//	snk := kafka.NewSink(kafka.NewWriter(cfg), cfg.DispatchTopic)
package kafka
