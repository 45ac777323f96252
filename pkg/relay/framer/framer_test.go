package framer

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	items   []any
	failAt  int
	sendErr error
}

func (s *recordingSink) SendFrame(frame []byte) error {
	if s.sendErr != nil && s.failAt == len(s.items) {
		return s.sendErr
	}
	s.items = append(s.items, append([]byte(nil), frame...))
	return nil
}

func (s *recordingSink) SendMessage(msg any) error {
	if s.sendErr != nil && s.failAt == len(s.items) {
		return s.sendErr
	}
	s.items = append(s.items, msg)
	return nil
}

func (s *recordingSink) frames() [][]byte {
	var out [][]byte
	for _, it := range s.items {
		if b, ok := it.([]byte); ok {
			out = append(out, b)
		}
	}
	return out
}

func sequence(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestSplit_TwentyThousandBytes(t *testing.T) {
	t.Parallel()

	frames := Split(sequence(20000), 8000)
	require.Len(t, frames, 3)
	assert.Len(t, frames[0], 8000)
	assert.Len(t, frames[1], 8000)
	assert.Len(t, frames[2], 4000)
}

func TestSplit_Empty(t *testing.T) {
	t.Parallel()

	assert.Nil(t, Split(nil, 8000))
}

func TestFramer_FrameBoundAndConcatenation(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(42))
	for iter := 0; iter < 200; iter++ {
		max := 1 + rng.Intn(9000)
		sink := &recordingSink{}
		f := New(Config{MaxFrameBytes: max}, sink)

		var want []byte
		for n := rng.Intn(6); n >= 0; n-- {
			payload := make([]byte, rng.Intn(25000))
			rng.Read(payload)
			want = append(want, payload...)
			require.NoError(t, f.Ingest(payload))
		}

		var got []byte
		for _, fr := range sink.frames() {
			require.LessOrEqual(t, len(fr), max)
			require.NotEmpty(t, fr)
			got = append(got, fr...)
		}
		require.True(t, bytes.Equal(want, got), "iteration %d", iter)
	}
}

func TestFramer_PacedFramesPreserveBytes(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))
	sink := &recordingSink{}
	f := New(Config{MaxFrameBytes: 1000, FrameInterval: time.Hour}, sink)

	var want []byte
	for i := 0; i < 10; i++ {
		payload := make([]byte, rng.Intn(3500)+1)
		rng.Read(payload)
		want = append(want, payload...)
		require.NoError(t, f.Ingest(payload))
		if i%3 == 0 {
			require.NoError(t, f.Tick())
		}
	}
	for f.Buffered() > 0 {
		require.NoError(t, f.Tick())
	}

	var got []byte
	for _, fr := range sink.frames() {
		require.LessOrEqual(t, len(fr), 1000)
		got = append(got, fr...)
	}
	assert.Equal(t, want, got)
}

func TestFramer_EmitsWholePayloadWithoutPacing(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	f := New(Config{}, sink)
	require.NoError(t, f.Ingest(sequence(20000)))

	frames := sink.frames()
	require.Len(t, frames, 3)
	assert.Equal(t, []int{8000, 8000, 4000}, []int{len(frames[0]), len(frames[1]), len(frames[2])})
	assert.Nil(t, f.C())
	assert.Equal(t, int64(3), f.Stats().FramesEmitted)
}

func TestFramer_MessagesWaitForPacedAudio(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	f := New(Config{FrameInterval: time.Hour}, sink)
	require.NoError(t, f.Ingest(sequence(20000)))
	require.NotNil(t, f.C())
	require.NoError(t, f.Deliver("transcript"))
	require.Len(t, sink.items, 1)

	require.NoError(t, f.Tick())
	require.Len(t, sink.items, 2)
	require.NoError(t, f.Tick())
	require.Len(t, sink.items, 4)
	assert.Equal(t, "transcript", sink.items[3])
	assert.Nil(t, f.C())
}

func TestFramer_AudioQueuedBehindMessageKeepsOrder(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	f := New(Config{MaxFrameBytes: 10, FrameInterval: time.Hour}, sink)
	require.NoError(t, f.Ingest(sequence(20)))
	require.NoError(t, f.Deliver("m1"))
	require.NoError(t, f.Ingest(sequence(5)))
	require.NoError(t, f.Ingest(sequence(5)))

	require.NoError(t, f.Tick())
	require.Len(t, sink.items, 4)
	assert.Len(t, sink.items[1], 10)
	assert.Equal(t, "m1", sink.items[2])
	assert.Len(t, sink.items[3], 10, "coalesced audio flushed as one frame")
}

func TestFramer_PacingWithRealTimer(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	f := New(Config{MaxFrameBytes: 100, FrameInterval: 2 * time.Millisecond}, sink)
	require.NoError(t, f.Ingest(sequence(450)))

	deadline := time.After(2 * time.Second)
	for f.Buffered() > 0 {
		select {
		case <-f.C():
			require.NoError(t, f.Tick())
		case <-deadline:
			t.Fatal("timed out waiting for paced frames")
		}
	}
	assert.Len(t, sink.frames(), 5)
}

func TestFramer_InterruptDropsAudioKeepsMessages(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	f := New(Config{FrameInterval: time.Hour}, sink)
	require.NoError(t, f.Ingest(sequence(20000)))
	require.NoError(t, f.Deliver("agent"))
	require.NoError(t, f.Ingest(sequence(100)))

	dropped, err := f.Interrupt()
	require.NoError(t, err)
	assert.Equal(t, 12100, dropped)
	require.Len(t, sink.items, 2)
	assert.Equal(t, "agent", sink.items[1])
	assert.Nil(t, f.C())
	assert.Zero(t, f.Buffered())

	require.NoError(t, f.Deliver("interruption"))
	assert.Equal(t, "interruption", sink.items[2])
}

func TestFramer_DrainFlushesEverything(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	f := New(Config{FrameInterval: time.Hour}, sink)
	require.NoError(t, f.Ingest(sequence(20000)))
	require.NoError(t, f.Deliver("last words"))
	require.NoError(t, f.Ingest(sequence(9000)))

	require.NoError(t, f.Drain())
	assert.Len(t, sink.frames(), 5)
	assert.Equal(t, "last words", sink.items[3])
	assert.True(t, f.Closed())
	assert.ErrorIs(t, f.Ingest([]byte{1}), ErrClosed)
	assert.ErrorIs(t, f.Deliver("late"), ErrClosed)
}

func TestFramer_AbandonDiscards(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	f := New(Config{FrameInterval: time.Hour}, sink)
	require.NoError(t, f.Ingest(sequence(20000)))
	f.Abandon()
	f.Abandon()

	assert.Len(t, sink.items, 1)
	assert.Equal(t, int64(12000), f.Stats().BytesDropped)
	assert.NoError(t, f.Tick())
	assert.Len(t, sink.items, 1)
}

func TestFramer_SinkErrorPropagates(t *testing.T) {
	t.Parallel()

	boom := errors.New("downstream gone")
	sink := &recordingSink{sendErr: boom, failAt: 1}
	f := New(Config{}, sink)
	assert.ErrorIs(t, f.Ingest(sequence(20000)), boom)
}

func TestFramer_EmptyIngestIsNoop(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	f := New(Config{}, sink)
	require.NoError(t, f.Ingest(nil))
	assert.Empty(t, sink.items)
}
