package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/petitiond/petitiond/internal/message"
	"github.com/petitiond/petitiond/internal/petition"
	"github.com/petitiond/petitiond/internal/processor"
	"github.com/petitiond/petitiond/internal/protocol"
)

// handleSubmit schedules a petition and streams its output back as NDJSON
// frames, ending with exactly one exit frame. The connection stays open
// for the lifetime of the petition.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	req, err := protocol.DecodeSubmitRequest(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var msg message.Message
	if req.ID != "" {
		msg = message.Message{ID: req.ID, Extras: req.Extras}
	} else {
		msg = message.New(req.Extras)
	}

	stream := petition.NewStream(0)
	p, err := s.proc.Submit(msg, stream)
	switch {
	case errors.Is(err, processor.ErrDuplicate):
		s.writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, processor.ErrShuttingDown):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		s.logger.Error("submit failed", "message_id", msg.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "submit failed")
		return
	case p == nil:
		s.writeError(w, http.StatusUnprocessableEntity, "message dropped: unrecognized extras")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Drain until the stream closes even if the client went away, so the
	// worker producing lines never blocks on a dead connection.
	clientGone := false
	for {
		line, ok := stream.Next()
		if !ok {
			break
		}
		if clientGone {
			continue
		}
		if err := protocol.EncodeFrame(w, protocol.Frame{Type: protocol.FrameLine, Line: line}); err != nil {
			clientGone = true
			continue
		}
		flusher.Flush()
	}

	if clientGone {
		return
	}
	code := stream.Code()
	if err := protocol.EncodeFrame(w, protocol.Frame{Type: protocol.FrameExit, Code: &code}); err == nil {
		flusher.Flush()
	}
}

// handleCancel cancels a live petition and waits for it to settle so the
// response reflects the final outcome, not the request.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "petitionID")

	p, live := s.proc.Lookup(id)
	if !live {
		s.writeJSON(w, http.StatusNotFound, protocol.CancelResponse{ID: id, Cancelled: false})
		return
	}

	if !s.proc.Cancel(id) {
		s.writeJSON(w, http.StatusConflict, protocol.CancelResponse{ID: id, Cancelled: false})
		return
	}

	select {
	case <-p.Stream().Done():
	case <-r.Context().Done():
		return
	}
	s.writeJSON(w, http.StatusOK, protocol.CancelResponse{ID: id, Cancelled: true})
}
