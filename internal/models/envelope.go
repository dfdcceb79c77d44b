package models

import (
	"encoding/json"
	"time"
)

// Envelope wraps a SensorReading with internal metadata for processing
type Envelope struct {
	// Original reading
	Reading *SensorReading `json:"reading"`

	// Internal processing metadata
	ReceivedAt time.Time `json:"received_at"`
	IngestNode string    `json:"ingest_node"`
	Source     string    `json:"source"` // http, kafka or mqtt
	BatchID    string    `json:"batch_id,omitempty"`
	BatchIndex int       `json:"batch_index,omitempty"`
}

// NewEnvelope creates a new envelope wrapping a reading
func NewEnvelope(reading *SensorReading, ingestNode, source string) *Envelope {
	return &Envelope{
		Reading:    reading,
		ReceivedAt: time.Now().UTC(),
		IngestNode: ingestNode,
		Source:     source,
	}
}

// WithBatch sets batch metadata on the envelope
func (e *Envelope) WithBatch(batchID string, index int) *Envelope {
	e.BatchID = batchID
	e.BatchIndex = index
	return e
}

// AuditKind tags records on the audit stream
type AuditKind string

const (
	AuditFire      AuditKind = "fire"
	AuditDispatch  AuditKind = "dispatch"
	AuditLifecycle AuditKind = "lifecycle"
)

// AuditRecord is one entry on the audit stream
type AuditRecord struct {
	Kind AuditKind `json:"kind"`

	// Partition key: condition id for fires, alert id otherwise
	Key string `json:"key"`

	Payload     json.RawMessage `json:"payload"`
	EmittedAt   time.Time       `json:"emitted_at"`
	EmitterNode string          `json:"emitter_node,omitempty"`
}

// NewAuditRecord marshals payload into a record
func NewAuditRecord(kind AuditKind, key string, payload any) (*AuditRecord, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &AuditRecord{
		Kind:      kind,
		Key:       key,
		Payload:   data,
		EmittedAt: time.Now().UTC(),
	}, nil
}
