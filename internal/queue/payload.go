package queue

import (
	"encoding/json"
	"fmt"

	"github.com/probatio/probatio/internal/model"
)

// Kind discriminates the payload variants a queue accepts. The set is
// closed; unknown kinds are rejected at the enqueue boundary, not at
// execution time.
type Kind string

const (
	KindStage      Kind = "stage"       // advance one pipeline stage for a run
	KindSignalScan Kind = "signal_scan" // periodic emerging-signal detection
)

// Envelope is the serialized form of every job payload.
type Envelope struct {
	Kind  Kind            `json:"kind"`
	RunID string          `json:"run_id,omitempty"`
	Stage model.RunStatus `json:"stage,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func (e Envelope) validate() error {
	switch e.Kind {
	case KindStage:
		if e.RunID == "" {
			return model.NewError(model.ErrValidation, model.CodeInvalidPayload,
				"stage payload requires run_id", nil)
		}
		if e.Stage == "" || e.Stage.IsTerminal() {
			return model.NewError(model.ErrValidation, model.CodeInvalidPayload,
				fmt.Sprintf("stage payload has invalid stage %q", e.Stage), nil)
		}
	case KindSignalScan:
		// No required fields.
	default:
		return model.NewError(model.ErrValidation, model.CodeInvalidPayload,
			fmt.Sprintf("unknown payload kind %q", e.Kind), nil)
	}
	return nil
}

// Encode validates and serializes an envelope.
func Encode(e Envelope) ([]byte, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Decode deserializes and validates an envelope. Malformed payloads are
// validation errors and must not be retried.
func Decode(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, model.NewError(model.ErrValidation, model.CodeInvalidPayload,
			"malformed job payload", err)
	}
	if err := e.validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
