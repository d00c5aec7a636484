// Package job defines the pipeline job envelope: the unit of work that
// travels from admission through the queue to a worker. The envelope is
// self-contained so a worker can process a job without reaching back to the
// submitter, and stable so redeliveries reproduce the same blob keys.
package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusSubmitted  Status = "submitted"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRejected   Status = "rejected"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusSubmitted, StatusProcessing, StatusCompleted, StatusFailed, StatusRejected:
		return true
	}
	return false
}

// Terminal reports whether s is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRejected
}

// PayloadKind discriminates how the image bytes travel with the envelope.
type PayloadKind string

const (
	// PayloadInline carries the bytes in the envelope itself.
	PayloadInline PayloadKind = "inline"
	// PayloadStaged carries only a staging blob key; the worker fetches
	// the bytes from the blob store.
	PayloadStaged PayloadKind = "staged"
)

// InlinePayloadMaxBytes is the cutover point between inline and staged
// payloads. Payloads at or below this size ride in the envelope.
const InlinePayloadMaxBytes = 256 * 1024

// PayloadRef is a tagged union: either inline bytes or a staging key.
type PayloadRef struct {
	Kind PayloadKind `json:"kind"`
	// Data holds the image bytes when Kind is inline.
	Data []byte `json:"data,omitempty"`
	// StagingKey names the staged blob when Kind is staged.
	StagingKey string `json:"staging_key,omitempty"`
}

// InlinePayload builds an inline payload reference.
func InlinePayload(data []byte) PayloadRef {
	return PayloadRef{Kind: PayloadInline, Data: data}
}

// StagedPayload builds a staged payload reference.
func StagedPayload(key string) PayloadRef {
	return PayloadRef{Kind: PayloadStaged, StagingKey: key}
}

// Validate checks the tagged union is well formed.
func (p PayloadRef) Validate() error {
	switch p.Kind {
	case PayloadInline:
		if len(p.Data) == 0 {
			return errors.New("inline payload has no data")
		}
		if p.StagingKey != "" {
			return errors.New("inline payload carries a staging key")
		}
	case PayloadStaged:
		if p.StagingKey == "" {
			return errors.New("staged payload has no staging key")
		}
		if len(p.Data) != 0 {
			return errors.New("staged payload carries inline data")
		}
	default:
		return fmt.Errorf("unknown payload kind %q", p.Kind)
	}
	return nil
}

// Envelope is the queued representation of a job. UploadTS is minted once at
// admission and never regenerated, so blob keys derived from it are stable
// across redeliveries.
type Envelope struct {
	JobID     string     `json:"job_id"`
	TraceID   string     `json:"trace_id,omitempty"`
	Filename  string     `json:"filename"`
	Extension string     `json:"extension"`
	UploadTS  int64      `json:"upload_ts"`
	Payload   PayloadRef `json:"payload"`
	// VehicleMetaJSON carries the admission-time vehicle detection outcome
	// so the worker does not rerun the vehicle pass.
	VehicleMetaJSON json.RawMessage `json:"vehicle_meta,omitempty"`
}

// NewEnvelope mints a fresh envelope for an admitted upload. The job id and
// upload timestamp are fixed here for the lifetime of the job.
func NewEnvelope(filename string, payload PayloadRef) *Envelope {
	return &Envelope{
		JobID:     uuid.NewString(),
		TraceID:   uuid.NewString(),
		Filename:  filename,
		Extension: ExtensionOf(filename),
		UploadTS:  time.Now().Unix(),
		Payload:   payload,
	}
}

// Validate checks the envelope carries everything a worker needs.
func (e *Envelope) Validate() error {
	if e.JobID == "" {
		return errors.New("envelope has no job id")
	}
	if e.UploadTS <= 0 {
		return errors.New("envelope has no upload timestamp")
	}
	if e.Extension == "" {
		return errors.New("envelope has no file extension")
	}
	return e.Payload.Validate()
}

// Encode serializes the envelope for the queue.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode deserializes a queued envelope and validates it.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	return &e, nil
}

// ExtensionOf extracts the lowercase extension from a filename, without the
// dot. Returns "jpg" when the filename has none.
func ExtensionOf(filename string) string {
	idx := strings.LastIndexByte(filename, '.')
	if idx < 0 || idx == len(filename)-1 {
		return "jpg"
	}
	return strings.ToLower(filename[idx+1:])
}
