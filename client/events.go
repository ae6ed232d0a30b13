package client

import "github.com/lifion/lifion-kinesis-sub000/internal/event"

// Event is the decoded-record/error/stats value delivered on the
// facade's output channel (spec.md §6 "Output to users").
type Event = event.Event

// Kind discriminates the Event variants.
type Kind = event.Kind

// Event kinds, re-exported for callers that only import client.
const (
	KindRecords = event.KindRecords
	KindError   = event.KindError
	KindStats   = event.KindStats
)

// Record is one decoded logical record.
type Record = event.Record

// Checkpointer lets a manual-checkpoint-mode consumer record progress at
// its own discretion.
type Checkpointer = event.Checkpointer

// Continuer lets a paused-polling-mode consumer resume the next poll.
type Continuer = event.Continuer

// PutRecordInput is one outgoing logical record (spec.md §6 "putRecord").
type PutRecordInput struct {
	Data                      interface{}
	PartitionKey              string
	ExplicitHashKey           string
	SequenceNumberForOrdering string
}

// PutRecordOutput reports where a single record landed.
type PutRecordOutput struct {
	EncryptionType string
	SequenceNumber string
	ShardID        string
}

// PutRecordsOutput reports where a batch of records landed, in the same
// order as the input slice, plus a count of entries that ultimately
// failed (spec.md §4.1 "PutRecords").
type PutRecordsOutput struct {
	Records           []PutRecordOutput
	FailedRecordCount int
}
