package worker

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/deepimagej/tileflow/internal/backend"
	"github.com/deepimagej/tileflow/internal/tensor"
)

// MaxMessageSize is the maximum allowed message payload (256 MiB). A single
// 3D tile of float64 samples encoded as JSON can run to tens of MiB.
const MaxMessageSize = 256 << 20

// Request operations sent from the engine to a worker.
const (
	OpLoad  = "load"
	OpRun   = "run"
	OpClose = "close"
)

// Request is the JSON payload sent from the engine to a worker.
type Request struct {
	Op     string                 `json:"op"`
	Model  *backend.ModelRef      `json:"model,omitempty"`
	Inputs map[string]tensor.Wire `json:"inputs,omitempty"`

	// Archive is a gzipped tar of the model directory, shipped when the
	// worker does not share a filesystem with the engine.
	Archive []byte `json:"archive,omitempty"`
}

// Response is the JSON payload a worker returns for one Request.
type Response struct {
	Outputs map[string]tensor.Wire `json:"outputs,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// Worker→engine message types.
const (
	MsgTypeLog    = "log"
	MsgTypeResult = "result"
)

// Message is the envelope for all worker→engine messages.
// While serving a request the worker may send log lines with Type="log".
// Every request is answered by exactly one message with Type="result".
type Message struct {
	Type     string    `json:"type"`
	Line     string    `json:"line,omitempty"`
	Response *Response `json:"response,omitempty"`
}

// WriteMessage writes a length-prefixed JSON message to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// ReadMessage reads a length-prefixed JSON message from r and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}
	return nil
}
