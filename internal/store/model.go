package store

import (
	"errors"
	"time"
)

// Message statuses. A message with an expired lease is logically not held
// even while its row still says InProgress; the sweep makes that explicit.
const (
	StatusPending    = "Pending"
	StatusInProgress = "InProgress"
	StatusProcessed  = "Processed"
	StatusError      = "Error"
	StatusDeadLetter = "DeadLetter"
)

// Subscription statuses.
const (
	SubStatusPending   = "Pending"
	SubStatusProcessed = "Processed"
	SubStatusError     = "Error"
)

var (
	// ErrNotFound is returned when an operation targets a message id that
	// does not exist. Callers must treat it as fatal, never retry it.
	ErrNotFound = errors.New("message not found")
	// ErrTerminal is returned when an operation is refused because the
	// message already reached DeadLetter.
	ErrTerminal = errors.New("message is dead-lettered")
)

// Message is one staged record awaiting delivery.
type Message struct {
	ID                        int64
	InterfaceName             string
	ProducerAdapterName       string
	ProducerAdapterType       string
	ProducerAdapterInstanceID string
	Payload                   []byte
	ContentHash               string
	Status                    string
	RetryCount                int
	MaxRetries                int
	LeaseExpiresAt            *time.Time
	LastRetryAt               *time.Time
	ErrorMessage              *string
	IsDeadLetter              bool
	CreatedAt                 time.Time
	ProcessedAt               *time.Time
}

// Subscription tracks one (message, subscriber) pair of the fan-out.
type Subscription struct {
	MessageID         int64
	InterfaceName     string
	SubscriberName    string
	Status            string
	ProcessingDetails *string
	ErrorMessage      *string
	CreatedAt         time.Time
	ProcessedAt       *time.Time
}

// AdapterInfo identifies a producer or consumer adapter instance. Stored
// best-effort by the notifier; never part of the message write path.
type AdapterInfo struct {
	Name       string
	Type       string
	InstanceID string
	Direction  string
	LastSeen   time.Time
}

// Record is one logical record of an ingested batch, as field name to
// value pairs. The store serializes it together with its headers and
// treats the result as an opaque payload.
type Record map[string]string

// WriteRequest debatches one producer batch into individual messages.
type WriteRequest struct {
	InterfaceName             string
	ProducerAdapterName       string
	ProducerAdapterType       string
	ProducerAdapterInstanceID string
	Headers                   []string
	Records                   []Record
}

// WriteResult reports the outcome per input record. Deduplicated records
// carry the id of the existing message. A record that failed to serialize
// has Err set and does not abort its siblings.
type WriteResult struct {
	MessageID int64
	Dedup     bool
	Err       error
}
