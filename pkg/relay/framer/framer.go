// Package framer re-chunks agent audio into bounded downstream frames and
// keeps non-audio messages ordered behind audio that is still being paced.
package framer

import (
	"errors"
	"time"
)

const DefaultMaxFrameBytes = 8000

var ErrClosed = errors.New("framer closed")

// Sink receives frames and messages in delivery order.
type Sink interface {
	SendFrame(frame []byte) error
	SendMessage(msg any) error
}

type Config struct {
	MaxFrameBytes int
	// FrameInterval paces consecutive frames of one payload. Zero emits a
	// whole payload at once.
	FrameInterval time.Duration
}

type entry struct {
	audio []byte
	msg   any
}

// Stats counts what the framer delivered and discarded.
type Stats struct {
	FramesEmitted int64
	BytesEmitted  int64
	BytesDropped  int64
}

// Framer is not safe for concurrent use; the owning session goroutine drives
// it, selecting on C() and calling Tick when it fires.
type Framer struct {
	maxFrame int
	interval time.Duration
	sink     Sink

	inflight [][]byte
	pending  []entry

	timer       *time.Timer
	timerActive bool

	closed bool
	stats  Stats
}

func New(cfg Config, sink Sink) *Framer {
	maxFrame := cfg.MaxFrameBytes
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameBytes
	}
	interval := cfg.FrameInterval
	if interval < 0 {
		interval = 0
	}
	return &Framer{maxFrame: maxFrame, interval: interval, sink: sink}
}

// Split cuts buf into consecutive frames of at most max bytes. The frames
// alias buf.
func Split(buf []byte, max int) [][]byte {
	if len(buf) == 0 {
		return nil
	}
	if max <= 0 {
		max = DefaultMaxFrameBytes
	}
	frames := make([][]byte, 0, (len(buf)+max-1)/max)
	for start := 0; start < len(buf); start += max {
		end := start + max
		if end > len(buf) {
			end = len(buf)
		}
		frames = append(frames, buf[start:end])
	}
	return frames
}

// Ingest accepts one agent audio payload. Audio arriving while an earlier
// payload is still being paced is coalesced and flushed after it.
func (f *Framer) Ingest(audio []byte) error {
	if f.closed {
		f.stats.BytesDropped += int64(len(audio))
		return ErrClosed
	}
	if len(audio) == 0 {
		return nil
	}
	buf := append([]byte(nil), audio...)
	if f.busy() {
		if n := len(f.pending); n > 0 && f.pending[n-1].msg == nil {
			f.pending[n-1].audio = append(f.pending[n-1].audio, buf...)
		} else {
			f.pending = append(f.pending, entry{audio: buf})
		}
		return nil
	}
	return f.flush(buf)
}

// Deliver sends msg now, or after any audio ahead of it has been emitted.
func (f *Framer) Deliver(msg any) error {
	if f.closed {
		return ErrClosed
	}
	if f.busy() {
		f.pending = append(f.pending, entry{msg: msg})
		return nil
	}
	return f.sink.SendMessage(msg)
}

// C fires when the next paced frame is due. It is nil while nothing is
// scheduled.
func (f *Framer) C() <-chan time.Time {
	if !f.timerActive || f.timer == nil {
		return nil
	}
	return f.timer.C
}

// Tick emits the next paced frame and, once the payload is exhausted, the
// queued entries behind it.
func (f *Framer) Tick() error {
	f.timerActive = false
	if f.closed || len(f.inflight) == 0 {
		return nil
	}
	frame := f.inflight[0]
	f.inflight = f.inflight[1:]
	if err := f.emit(frame); err != nil {
		return err
	}
	if len(f.inflight) > 0 {
		f.arm()
		return nil
	}
	return f.drainPending()
}

// Interrupt discards audio not yet emitted. Messages queued behind that audio
// are delivered immediately, in order. It returns the discarded byte count.
func (f *Framer) Interrupt() (int, error) {
	if f.closed {
		return 0, ErrClosed
	}
	dropped := 0
	for _, fr := range f.inflight {
		dropped += len(fr)
	}
	f.inflight = nil
	f.stopTimer()

	queued := f.pending
	f.pending = nil
	var firstErr error
	for _, e := range queued {
		if e.msg == nil {
			dropped += len(e.audio)
			continue
		}
		if err := f.sink.SendMessage(e.msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	f.stats.BytesDropped += int64(dropped)
	return dropped, firstErr
}

// Drain emits everything still buffered without pacing and closes the framer.
func (f *Framer) Drain() error {
	if f.closed {
		return nil
	}
	f.stopTimer()
	var firstErr error
	for _, fr := range f.inflight {
		if err := f.emit(fr); err != nil {
			firstErr = err
			break
		}
	}
	f.inflight = nil
	if firstErr == nil {
		for _, e := range f.pending {
			var err error
			if e.msg != nil {
				err = f.sink.SendMessage(e.msg)
			} else {
				for _, fr := range Split(e.audio, f.maxFrame) {
					if err = f.emit(fr); err != nil {
						break
					}
				}
			}
			if err != nil {
				firstErr = err
				break
			}
		}
	}
	f.pending = nil
	f.closed = true
	return firstErr
}

// Abandon discards everything buffered and closes the framer.
func (f *Framer) Abandon() {
	if f.closed {
		return
	}
	dropped := 0
	for _, fr := range f.inflight {
		dropped += len(fr)
	}
	for _, e := range f.pending {
		dropped += len(e.audio)
	}
	f.stats.BytesDropped += int64(dropped)
	f.inflight = nil
	f.pending = nil
	f.stopTimer()
	f.closed = true
}

func (f *Framer) Closed() bool {
	return f.closed
}

// Buffered reports audio bytes accepted but not yet emitted.
func (f *Framer) Buffered() int {
	n := 0
	for _, fr := range f.inflight {
		n += len(fr)
	}
	for _, e := range f.pending {
		n += len(e.audio)
	}
	return n
}

func (f *Framer) Stats() Stats {
	return f.stats
}

func (f *Framer) busy() bool {
	return len(f.inflight) > 0
}

func (f *Framer) flush(buf []byte) error {
	frames := Split(buf, f.maxFrame)
	if f.interval <= 0 || len(frames) == 1 {
		for _, fr := range frames {
			if err := f.emit(fr); err != nil {
				return err
			}
		}
		return nil
	}
	if err := f.emit(frames[0]); err != nil {
		return err
	}
	f.inflight = frames[1:]
	f.arm()
	return nil
}

func (f *Framer) drainPending() error {
	for len(f.pending) > 0 && !f.busy() {
		e := f.pending[0]
		f.pending = f.pending[1:]
		var err error
		if e.msg != nil {
			err = f.sink.SendMessage(e.msg)
		} else {
			err = f.flush(e.audio)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (f *Framer) emit(frame []byte) error {
	if err := f.sink.SendFrame(frame); err != nil {
		return err
	}
	f.stats.FramesEmitted++
	f.stats.BytesEmitted += int64(len(frame))
	return nil
}

func (f *Framer) arm() {
	if f.timer == nil {
		f.timer = time.NewTimer(f.interval)
	} else {
		f.stopTimer()
		f.timer.Reset(f.interval)
	}
	f.timerActive = true
}

func (f *Framer) stopTimer() {
	if f.timer == nil {
		return
	}
	if !f.timer.Stop() {
		select {
		case <-f.timer.C:
		default:
		}
	}
	f.timerActive = false
}
