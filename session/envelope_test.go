package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-run/maestro/core"
)

func TestFrameRoundTrip(t *testing.T) {
	f := NewFrame(FrameSubmitTask, map[string]interface{}{"kind": "chat"})
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, f))

	// 4-byte big-endian length prefix, then the JSON payload.
	prefix := binary.BigEndian.Uint32(buf.Bytes()[:4])
	assert.Equal(t, int(prefix), buf.Len()-4)

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, ProtocolVersion, got.V)
	assert.Equal(t, FrameSubmitTask, got.Type)
	assert.Equal(t, f.ID, got.ID)
	assert.Equal(t, "chat", got.Body["kind"])
}

func TestUnmarshalFrameVersionMismatch(t *testing.T) {
	_, err := UnmarshalFrame([]byte(`{"v":2,"type":"heartbeat","ts":0}`))
	assert.ErrorIs(t, err, core.ErrUnsupportedProtocol)

	_, err = UnmarshalFrame([]byte(`{"type":"heartbeat","ts":0}`))
	assert.ErrorIs(t, err, core.ErrUnsupportedProtocol, "missing version is not version 1")
}

func TestUnmarshalFrameMalformed(t *testing.T) {
	_, err := UnmarshalFrame([]byte(`{not json`))
	assert.ErrorIs(t, err, core.ErrUnknownFrame)
}

func TestReadFrameRejectsOversizedPrefix(t *testing.T) {
	var buf bytes.Buffer
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], maxFramePayload+1)
	buf.Write(prefix[:])

	_, err := ReadFrame(&buf)
	assert.ErrorIs(t, err, core.ErrUnknownFrame)
}

func TestReadFrameRejectsZeroLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0})
	_, err := ReadFrame(&buf)
	assert.ErrorIs(t, err, core.ErrUnknownFrame)
}

func TestErrorFrame(t *testing.T) {
	f := errorFrame("req-7", core.ErrRateLimited)
	assert.Equal(t, string(core.EventError), f.Type)
	assert.Equal(t, "RATE_LIMITED", f.Body["code"])
	assert.Equal(t, "req-7", f.Body["reply_to"])
	assert.NotEmpty(t, f.Body["message"])
}

func TestErrorFrameInternalTraceID(t *testing.T) {
	// An unrecognized error surfaces as INTERNAL with a generated trace id.
	f := errorFrame("req-1", errors.New("slice bounds out of range"))
	assert.Equal(t, "INTERNAL", f.Body["code"])
	assert.NotEmpty(t, f.Body["trace_id"])

	// An error that already carries a trace id keeps it on the wire.
	ierr := core.NewInternalError("hub_inbound", "session", "s1", errors.New("boom"))
	f = errorFrame("req-2", ierr)
	assert.Equal(t, ierr.TraceID, f.Body["trace_id"])

	// Non-INTERNAL codes carry no trace id.
	f = errorFrame("req-3", core.ErrRateLimited)
	assert.NotContains(t, f.Body, "trace_id")
}

func TestAckFrame(t *testing.T) {
	f := ackFrame("req-9", map[string]interface{}{"task_id": "t1"})
	assert.Equal(t, string(core.EventAck), f.Type)
	assert.Equal(t, "req-9", f.Body["reply_to"])
	assert.Equal(t, "t1", f.Body["task_id"])
}
