// Package wire defines the control-plane wire protocol: the JSON envelope
// that carries every message between a worker and the scheduler, and the
// typed payloads for each message type.
package wire

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role identifies which side of a session sent an envelope.
type Role string

const (
	RoleWorker    Role = "worker"
	RoleScheduler Role = "scheduler"
)

// Sender identifies the originator of an envelope.
type Sender struct {
	Role Role   `json:"role"`
	ID   string `json:"id"`
}

// Ack carries per-message and sliding-window acknowledgement state.
type Ack struct {
	Request    bool   `json:"request,omitempty"`
	For        string `json:"for,omitempty"`
	AckSeq     int64  `json:"ackSeq,omitempty"`
	AckBitmap  uint64 `json:"ackBitmap,omitempty"`
	RecvWindow int    `json:"recvWindow,omitempty"`
}

// Envelope is the wire shape of every control-plane message.
type Envelope struct {
	Type       string          `json:"type"`
	ID         string          `json:"id"`
	TS         time.Time       `json:"ts"`
	Corr       string          `json:"corr,omitempty"`
	Seq        int64           `json:"seq,omitempty"`
	SessionSeq int64           `json:"sessionSeq,omitempty"`
	Tenant     string          `json:"tenant"`
	Sender     Sender          `json:"sender"`
	Ack        *Ack            `json:"ack,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// New builds a new envelope with a fresh id and current timestamp. The
// payload is marshalled eagerly so callers get an error immediately rather
// than at send time.
func New(msgType, tenant string, sender Sender, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Type:    msgType,
		ID:      uuid.NewString(),
		TS:      time.Now().UTC(),
		Tenant:  tenant,
		Sender:  sender,
		Payload: raw,
	}, nil
}

// Decode unmarshals the envelope payload into dst.
func (e Envelope) Decode(dst any) error {
	return json.Unmarshal(e.Payload, dst)
}

// IsControl reports whether the envelope is a control-frame (as opposed to a
// business frame subject to the sliding window).
func (e Envelope) IsControl() bool {
	return len(e.Type) >= 8 && e.Type[:8] == "control."
}
