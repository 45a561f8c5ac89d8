package petition

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStreamDeliversLinesInOrder(t *testing.T) {
	s := NewStream(4)
	s.Send("one")
	s.Send("two")

	line, ok := s.Next()
	assert.True(t, ok)
	assert.Equal(t, "one", line)

	line, ok = s.Next()
	assert.True(t, ok)
	assert.Equal(t, "two", line)
}

func TestStreamDrainsBufferedLinesAfterClose(t *testing.T) {
	s := NewStream(4)
	s.Send("last words")
	code := 3
	s.Close(&code)

	line, ok := s.Next()
	assert.True(t, ok)
	assert.Equal(t, "last words", line)

	_, ok = s.Next()
	assert.False(t, ok)
	assert.Equal(t, 3, s.Code())
}

func TestStreamCloseIsIdempotent(t *testing.T) {
	s := NewStream(1)
	first := 2
	second := 9
	s.Close(&first)
	s.Close(&second)

	assert.Equal(t, 2, s.Code())
}

func TestStreamNilCodeReadsAsSuccess(t *testing.T) {
	s := NewStream(1)
	s.Close(nil)
	assert.Equal(t, 0, s.Code())
}

func TestStreamCodeBeforeClose(t *testing.T) {
	s := NewStream(1)
	assert.Equal(t, 0, s.Code())
}

func TestStreamSendAfterCloseDoesNotBlock(t *testing.T) {
	s := NewStream(1)
	s.Send("fills the buffer")
	s.Close(nil)

	done := make(chan struct{})
	go func() {
		s.Send("dropped")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send blocked on a closed stream")
	}
}

func TestStreamDoneSignalsClose(t *testing.T) {
	s := NewStream(1)
	select {
	case <-s.Done():
		t.Fatal("Done closed before Close")
	default:
	}

	s.Close(nil)
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after Close")
	}
}
