package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindAudio Kind = "audio"
)

func (k Kind) Valid() bool {
	switch k {
	case KindText, KindImage, KindAudio:
		return true
	default:
		return false
	}
}

// Payload is the content of an outbound message. Text jobs use Text; media
// jobs use URL with an optional Caption.
type Payload struct {
	Text     string `json:"text,omitempty"`
	URL      string `json:"url,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// Job is one outbound message. Jobs are immutable once published.
type Job struct {
	ID          string            `json:"id"`
	Destination string            `json:"destination"`
	Kind        Kind              `json:"kind"`
	Payload     Payload           `json:"payload"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	EnqueuedAt  time.Time         `json:"enqueued_at"`
}

var ErrInvalidJob = errors.New("invalid outbox job")

func (j Job) Validate() error {
	if strings.TrimSpace(j.Destination) == "" {
		return fmt.Errorf("%w: missing destination", ErrInvalidJob)
	}
	if !j.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidJob, j.Kind)
	}
	if j.Kind == KindText && strings.TrimSpace(j.Payload.Text) == "" {
		return fmt.Errorf("%w: text job without text", ErrInvalidJob)
	}
	if j.Kind != KindText && strings.TrimSpace(j.Payload.URL) == "" {
		return fmt.Errorf("%w: %s job without url", ErrInvalidJob, j.Kind)
	}
	return nil
}

func encodeJob(j Job) ([]byte, error) {
	return json.Marshal(j)
}

func decodeJob(data []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	if err := j.Validate(); err != nil {
		return Job{}, err
	}
	return j, nil
}
