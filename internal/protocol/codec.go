package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

// EncodeFrame writes one NDJSON frame. json.Encoder appends the newline
// that delimits records.
func EncodeFrame(w io.Writer, f Frame) error {
	if f.Type != FrameLine && f.Type != FrameExit {
		return fmt.Errorf("unsupported frame type: %q", f.Type)
	}
	if err := json.NewEncoder(w).Encode(f); err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	return nil
}

// DecodeFrame reads and validates one frame from dec. io.EOF passes
// through unchanged so callers can detect a clean end of stream.
func DecodeFrame(dec *json.Decoder) (Frame, error) {
	var f Frame
	if err := dec.Decode(&f); err != nil {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		return Frame{}, fmt.Errorf("failed to decode frame: %w", err)
	}

	switch f.Type {
	case FrameLine:
	case FrameExit:
		if f.Code == nil {
			return Frame{}, fmt.Errorf("exit frame missing code")
		}
	default:
		return Frame{}, fmt.Errorf("invalid frame type: %q", f.Type)
	}
	return f, nil
}

// DecodeSubmitRequest parses and validates a submit request body.
func DecodeSubmitRequest(r io.Reader) (*SubmitRequest, error) {
	var req SubmitRequest
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("failed to decode submit request: %w", err)
	}
	if len(req.Extras) == 0 {
		return nil, fmt.Errorf("submit request missing required field: extras")
	}
	return &req, nil
}
