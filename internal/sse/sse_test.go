package sse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeed_SingleCompleteFrame(t *testing.T) {
	s := NewScanner()
	frames := s.Feed([]byte("event: message_start\ndata: {\"a\":1}\n\n"))
	require.Len(t, frames, 1)
	assert.Equal(t, "message_start", frames[0].Type)
	assert.Equal(t, `{"a":1}`, string(frames[0].Data))
}

func TestFeed_FrameSplitAcrossChunks(t *testing.T) {
	s := NewScanner()
	frames := s.Feed([]byte("event: error\ndata: {\"typ"))
	assert.Len(t, frames, 0)

	frames = s.Feed([]byte("e\":\"rate_limit_error\"}\n\n"))
	require.Len(t, frames, 1)
	assert.Equal(t, "error", frames[0].Type)
	assert.Equal(t, `{"type":"rate_limit_error"}`, string(frames[0].Data))
}

func TestFeed_MultipleFramesInOneChunk(t *testing.T) {
	s := NewScanner()
	frames := s.Feed([]byte("event: ping\ndata: {}\n\nevent: ping\ndata: {}\n\n"))
	require.Len(t, frames, 2)
	assert.Equal(t, "ping", frames[0].Type)
	assert.Equal(t, "ping", frames[1].Type)
}

func TestFeed_CRLFLineEndings(t *testing.T) {
	s := NewScanner()
	frames := s.Feed([]byte("event: ping\r\ndata: {}\r\n\r\n"))
	require.Len(t, frames, 1)
	assert.Equal(t, "ping", frames[0].Type)
	assert.Equal(t, "{}", string(frames[0].Data))
}

func TestFeed_PreservesRawBytesExactly(t *testing.T) {
	s := NewScanner()
	raw := "event: ping\r\ndata: {}\r\n\r\n"
	frames := s.Feed([]byte(raw))
	require.Len(t, frames, 1)
	assert.Equal(t, raw, string(frames[0].Raw))
}

func TestFeed_MultiLineData(t *testing.T) {
	s := NewScanner()
	frames := s.Feed([]byte("event: message_delta\ndata: line1\ndata: line2\n\n"))
	require.Len(t, frames, 1)
	assert.Equal(t, "line1\nline2", string(frames[0].Data))
}

func TestFeed_NoFrameUntilBlankLine(t *testing.T) {
	s := NewScanner()
	frames := s.Feed([]byte("event: ping\ndata: {}\n"))
	assert.Len(t, frames, 0)
}

func TestFeed_DefaultEventType(t *testing.T) {
	s := NewScanner()
	frames := s.Feed([]byte("data: {}\n\n"))
	require.Len(t, frames, 1)
	assert.Equal(t, "", frames[0].Type)
}

func TestRemaining_ReturnsUnterminatedTrailingBytes(t *testing.T) {
	s := NewScanner()
	s.Feed([]byte("event: ping\ndata: {}\n\nevent: partial\ndata: {\"x\":1}"))
	assert.Equal(t, "event: partial\ndata: {\"x\":1}", string(s.Remaining()))
}

func TestRemaining_EmptyAfterAllFramesConsumed(t *testing.T) {
	s := NewScanner()
	s.Feed([]byte("event: ping\ndata: {}\n\n"))
	assert.Empty(t, s.Remaining())
}
