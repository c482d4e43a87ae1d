// Package session implements the client-facing boundary: the length-
// prefixed JSON envelope codec, per-session bounded mailboxes with
// back-pressure, the hub that routes inbound frames to the coordinator and
// the collaboration engine, and a websocket transport adapter.
package session

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/maestro-run/maestro/core"
)

// ProtocolVersion is the only envelope version this runtime speaks. Any
// other version closes the connection with reason UNSUPPORTED_PROTOCOL.
const ProtocolVersion = 1

// maxFramePayload bounds a single envelope payload.
const maxFramePayload = 1 << 20

// Inbound frame kinds.
const (
	FrameSubmitTask    = "submit_task"
	FrameSubmitCollab  = "submit_collab"
	FrameCancel        = "cancel"
	FrameSubscribe     = "subscribe"
	FrameUnsubscribe   = "unsubscribe"
	FrameActivateAgent = "activate_agent"
	FrameHeartbeat     = "heartbeat"
	FrameHumanDecision = "human_decision"
)

// Frame is the wire envelope, inbound and outbound alike.
type Frame struct {
	V    int                    `json:"v"`
	Type string                 `json:"type"`
	ID   string                 `json:"id,omitempty"`
	TS   int64                  `json:"ts"`
	Body map[string]interface{} `json:"body,omitempty"`
}

// NewFrame builds an outbound frame with a fresh id and current timestamp.
func NewFrame(kind string, body map[string]interface{}) *Frame {
	return &Frame{
		V:    ProtocolVersion,
		Type: kind,
		ID:   uuid.NewString(),
		TS:   time.Now().UnixMilli(),
		Body: body,
	}
}

// Marshal serializes the envelope payload without the length prefix, for
// transports with their own message framing.
func (f *Frame) Marshal() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return data, nil
}

// UnmarshalFrame parses an envelope payload and enforces the protocol
// version.
func UnmarshalFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w: %v", core.ErrUnknownFrame, err)
	}
	if f.V != ProtocolVersion {
		return nil, fmt.Errorf("frame version %d: %w", f.V, core.ErrUnsupportedProtocol)
	}
	return &f, nil
}

// WriteFrame writes one length-prefixed envelope: a 4-byte big-endian
// payload length followed by the UTF-8 JSON payload.
func WriteFrame(w io.Writer, f *Frame) error {
	payload, err := f.Marshal()
	if err != nil {
		return err
	}
	if len(payload) > maxFramePayload {
		return fmt.Errorf("frame payload %d bytes exceeds limit", len(payload))
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("failed to write frame prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed envelope.
func ReadFrame(r io.Reader) (*Frame, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size == 0 || size > maxFramePayload {
		return nil, fmt.Errorf("frame payload %d bytes: %w", size, core.ErrUnknownFrame)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return UnmarshalFrame(payload)
}

// eventFrame converts a runtime event into its outbound frame.
func eventFrame(ev core.Event) *Frame {
	body := ev.Body
	if body == nil {
		body = map[string]interface{}{}
	}
	return NewFrame(string(ev.Kind), body)
}

// errorFrame builds an error frame answering inbound frame id replyTo.
// INTERNAL errors always carry a trace id on the wire; one is generated
// here when the error chain brought none.
func errorFrame(replyTo string, err error) *Frame {
	code := core.ErrorCode(err)
	body := map[string]interface{}{
		"code":    code,
		"message": err.Error(),
	}
	if code == "INTERNAL" {
		trace := core.TraceIDOf(err)
		if trace == "" {
			trace = uuid.NewString()
		}
		body["trace_id"] = trace
	}
	if replyTo != "" {
		body["reply_to"] = replyTo
	}
	return NewFrame(string(core.EventError), body)
}

// ackFrame builds an ack answering inbound frame id replyTo.
func ackFrame(replyTo string, body map[string]interface{}) *Frame {
	if body == nil {
		body = map[string]interface{}{}
	}
	if replyTo != "" {
		body["reply_to"] = replyTo
	}
	return NewFrame(string(core.EventAck), body)
}
