// Package event defines the internal value fanned out from ingest tasks to
// subscription engines.
package event

// Event is the internal representation of one record published by an ingest
// task. Partition, Offset, Timestamp and Key are independently optional: a
// counter source sets only Timestamp, a Kafka source always sets
// Partition, Offset and Timestamp but may omit Key.
type Event struct {
	SourceID  string
	Payload   []byte
	Key       []byte
	Partition *int64
	Offset    *int64
	Timestamp *int64 // milliseconds since epoch
}

func Int64Ptr(v int64) *int64 { return &v }
