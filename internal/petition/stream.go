package petition

import "sync"

// Stream is the per-petition channel back to the owning client. The worker
// sends output lines as they are produced and the transport layer consumes
// them until Close delivers the final exit code. A nil code on Close is the
// no-value sentinel and is read as success.
type Stream struct {
	lines chan string
	done  chan struct{}

	once sync.Once
	code *int
}

// NewStream returns a stream buffering up to buffer lines.
func NewStream(buffer int) *Stream {
	if buffer <= 0 {
		buffer = 64
	}
	return &Stream{
		lines: make(chan string, buffer),
		done:  make(chan struct{}),
	}
}

// Send delivers one output line. Lines sent after Close are dropped.
func (s *Stream) Send(line string) {
	select {
	case <-s.done:
	case s.lines <- line:
	}
}

// Close records the final exit code and wakes the consumer. It is
// idempotent; only the first code wins.
func (s *Stream) Close(code *int) {
	s.once.Do(func() {
		s.code = code
		close(s.done)
	})
}

// Next returns the next output line. ok is false once the stream is closed
// and all buffered lines were drained.
func (s *Stream) Next() (line string, ok bool) {
	select {
	case l := <-s.lines:
		return l, true
	case <-s.done:
		select {
		case l := <-s.lines:
			return l, true
		default:
			return "", false
		}
	}
}

// Done is closed once the stream is closed.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Code returns the exit code recorded on Close. The no-value sentinel
// defaults to 0.
func (s *Stream) Code() int {
	select {
	case <-s.done:
	default:
		return 0
	}
	if s.code == nil {
		return 0
	}
	return *s.code
}
