package handlers

import (
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"beacon/internal/config"
	"beacon/internal/metrics"
	"beacon/internal/models"
)

// IngestHandler accepts sensor readings over HTTP and queues them for evaluation
type IngestHandler struct {
	// Queue read by the worker pool
	envelopeChan chan<- *models.Envelope

	// Node identifier for tracking
	nodeID string

	// Batch counter for generating batch IDs
	batchCounter uint64

	maxBodySize int64
}

// IngestConfig holds configuration for the ingest handler
type IngestConfig struct {
	EnvelopeChan chan<- *models.Envelope
	NodeID       string
	MaxBodySize  int64
}

// NewIngestHandler creates a new ingest handler
func NewIngestHandler(cfg IngestConfig) *IngestHandler {
	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = config.NodeID()
	}

	maxBodySize := cfg.MaxBodySize
	if maxBodySize == 0 {
		maxBodySize = defaultMaxBodySize
	}

	return &IngestHandler{
		envelopeChan: cfg.EnvelopeChan,
		nodeID:       nodeID,
		maxBodySize:  maxBodySize,
	}
}

// IngestResponse is the response returned to clients
type IngestResponse struct {
	Success  bool          `json:"success"`
	Accepted int           `json:"accepted"`
	Rejected int           `json:"rejected"`
	BatchID  string        `json:"batch_id"`
	Errors   []IngestError `json:"errors,omitempty"`
}

// IngestError describes why one reading of the request was rejected
type IngestError struct {
	Index    int    `json:"index"`
	SensorID string `json:"sensor_id,omitempty"`
	Field    string `json:"field,omitempty"`
	Error    string `json:"error"`
}

// ServeHTTP handles POST /readings
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if err := checkJSON(r); err != nil {
		writeError(w, http.StatusUnsupportedMediaType, err.Error())
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	inputs, err := models.DecodeReadings(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	response := h.queue(inputs, h.generateBatchID())

	status := http.StatusOK
	if response.Rejected > 0 && response.Accepted == 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, response)
}

// queue validates each reading and hands accepted ones to the worker pool
// without blocking; a full queue rejects the reading.
func (h *IngestHandler) queue(inputs []models.ReadingInput, batchID string) IngestResponse {
	response := IngestResponse{
		BatchID: batchID,
		Errors:  make([]IngestError, 0),
	}

	reject := func(i int, sensorID, field, msg string) {
		response.Errors = append(response.Errors, IngestError{
			Index:    i,
			SensorID: sensorID,
			Field:    field,
			Error:    msg,
		})
		response.Rejected++
		metrics.ReadingsReceived.WithLabelValues("http", "rejected").Inc()
	}

	for i, input := range inputs {
		reading, err := input.Reading()
		if err != nil {
			field := models.ErrorField(err)
			metrics.ReadingValidationErrors.WithLabelValues(field).Inc()
			reject(i, input.SensorID, field, err.Error())
			continue
		}

		envelope := models.NewEnvelope(reading, h.nodeID, "http").WithBatch(batchID, i)

		select {
		case h.envelopeChan <- envelope:
			response.Accepted++
			metrics.ReadingsReceived.WithLabelValues("http", "accepted").Inc()
		default:
			reject(i, reading.SensorID, "", "internal queue full, try again later")
		}
	}

	response.Success = response.Rejected == 0
	return response
}

// generateBatchID generates a unique batch ID
func (h *IngestHandler) generateBatchID() string {
	counter := atomic.AddUint64(&h.batchCounter, 1)
	return fmt.Sprintf("%s-%d-%d", h.nodeID, time.Now().UnixNano(), counter)
}
