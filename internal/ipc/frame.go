// Package ipc implements the per-session local socket protocol used by
// co-located clients, notably the vt forwarder.
//
// Client-to-server traffic is framed: every frame is a big-endian u32
// payload length, a u8 type, and the payload. Unknown frame types are
// skipped by consuming the advertised length. Server-to-client traffic is
// the raw PTY output stream, written unframed on the same connection.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Frame types.
const (
	TypeStdin     byte = 0x01
	TypeControl   byte = 0x02
	TypeHeartbeat byte = 0x03
)

// MaxFrameSize bounds a single frame payload.
const MaxFrameSize = 4 * 1024 * 1024

// ControlCommand is the JSON payload of a CONTROL_CMD frame.
type ControlCommand struct {
	Cmd    string `json:"cmd"`
	Cols   uint16 `json:"cols,omitempty"`
	Rows   uint16 `json:"rows,omitempty"`
	Signal string `json:"signal,omitempty"`
	Source string `json:"source,omitempty"`
}

// Control command names.
const (
	CmdResize    = "resize"
	CmdKill      = "kill"
	CmdResetSize = "reset-size"
)

// WriteFrame writes one frame.
func WriteFrame(w io.Writer, frameType byte, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame payload %d exceeds limit %d", len(payload), MaxFrameSize)
	}

	var hdr [5]byte
	binary.BigEndian.PutUint32(hdr[:4], uint32(len(payload)))
	hdr[4] = frameType

	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// WriteControl marshals and writes a CONTROL_CMD frame.
func WriteControl(w io.Writer, cmd ControlCommand) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encoding control command: %w", err)
	}
	return WriteFrame(w, TypeControl, payload)
}

// ReadFrame reads one frame, returning its type and payload. Callers must
// treat unrecognized types as skippable; the payload has already been
// consumed from the stream.
func ReadFrame(r io.Reader) (byte, []byte, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}

	length := binary.BigEndian.Uint32(hdr[:4])
	if length > MaxFrameSize {
		return 0, nil, fmt.Errorf("frame payload %d exceeds limit %d", length, MaxFrameSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}

	return hdr[4], payload, nil
}
