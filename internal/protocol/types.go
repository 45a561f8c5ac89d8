// Package protocol defines the wire format between client and service:
// the submit request and the NDJSON frame stream it answers with.
package protocol

// Frame types on the petition output stream. Every response stream is a
// sequence of line frames followed by exactly one exit frame.
const (
	FrameLine = "line"
	FrameExit = "exit"
)

// Frame is one NDJSON record of a petition response stream.
type Frame struct {
	Type string `json:"type"`
	// Line carries one output line; set on "line" frames.
	Line string `json:"line,omitempty"`
	// Code carries the final exit code; set on "exit" frames.
	Code *int `json:"code,omitempty"`
}

// SubmitRequest asks the service to schedule a petition built from the
// embedded message extras.
type SubmitRequest struct {
	ID     string         `json:"id,omitempty"`
	Extras map[string]any `json:"extras"`
}

// CancelResponse reports the outcome of a cancellation request.
type CancelResponse struct {
	ID        string `json:"id"`
	Cancelled bool   `json:"cancelled"`
}

// StatusResponse is the service status snapshot.
type StatusResponse struct {
	Name          string `json:"name"`
	Healthy       bool   `json:"healthy"`
	Running       int    `json:"running"`
	Queued        int    `json:"queued"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ErrorResponse is the JSON body of non-streaming error replies.
type ErrorResponse struct {
	Error string `json:"error"`
}
