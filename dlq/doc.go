// Package dlq keeps messages that left the retry path: either poison
// messages that can never be processed, or messages that exhausted their
// redelivery budget. Entries preserve the raw payload and headers so an
// operator can inspect, replay or purge them.
//
// # Entry
//
// An [Entry] captures:
//   - Coordinates: topic, partition and offset where the message was first read
//   - Payload / Headers / Key: the message as received
//   - Reason: "unprocessable message" or "max retries exceeded"
//   - Error: the last processing error
//   - Attempts: failures counted before dead-lettering
//   - ReplayedAt: set once the entry has been replayed
//
// # Service
//
//	svc := dlq.NewService(store.DeadLetters())
//	svc.Push(ctx, msg, decision, facilityID, err)
//	svc.List(ctx, dlq.ListOpts{FacilityID: "fac-1", Limit: 50})
//	svc.Replay(ctx, entryID, publisher)
//	svc.Purge(ctx, time.Now().Add(-30*24*time.Hour))
package dlq
