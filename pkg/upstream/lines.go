package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"strings"
	"sync"
	"time"
)

// LineStream is a single-pass sequence of raw server-push lines.
type LineStream struct {
	seq       iter.Seq2[string, error]
	closeOnce sync.Once
	closeFn   func() error
	closeErr  error
	used      bool
}

// NewLineStream wraps an arbitrary line source. closeFn may be nil.
func NewLineStream(seq iter.Seq2[string, error], closeFn func() error) *LineStream {
	return &LineStream{seq: seq, closeFn: closeFn}
}

// Lines returns the line sequence. It ends at EOF or after yielding an
// error, and closes the stream when it ends. A second call yields nothing.
func (ls *LineStream) Lines() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if ls.used {
			return
		}
		ls.used = true
		defer ls.Close()

		ls.seq(yield)
	}
}

// Close releases the underlying connection. It is safe to call repeatedly.
func (ls *LineStream) Close() error {
	ls.closeOnce.Do(func() {
		if ls.closeFn != nil {
			ls.closeErr = ls.closeFn()
		}
	})
	return ls.closeErr
}

// newBodyLineStream reads lines from an HTTP response body. The stall timer
// runs only while a read is waiting on the body, and bytes arriving re-arm
// it. When it fires, cancel aborts the body read and the stream fails with
// ErrTimeout. Time spent by the consumer between lines does not count.
func newBodyLineStream(ctx context.Context, cancel context.CancelCauseFunc, body io.ReadCloser, stall time.Duration) *LineStream {
	ls := &LineStream{
		closeFn: func() error {
			cancel(nil)
			return body.Close()
		},
	}

	ls.seq = func(yield func(string, error) bool) {
		var (
			r     io.Reader = body
			timer *time.Timer
		)
		if stall > 0 {
			timer = time.AfterFunc(stall, func() { cancel(errStalled) })
			timer.Stop()
			defer timer.Stop()

			r = &stallReader{r: body, timer: timer, stall: stall}
		}

		reader := bufio.NewReader(r)
		for {
			if timer != nil {
				timer.Reset(stall)
			}
			line, err := reader.ReadString('\n')
			if timer != nil {
				timer.Stop()
			}

			if err != nil && !errors.Is(err, io.EOF) {
				yield("", classify(ctx, err))
				return
			}

			if line != "" {
				if !yield(strings.TrimRight(line, "\r\n"), nil) {
					return
				}
			}

			if err != nil {
				return
			}
		}
	}

	return ls
}

// stallReader re-arms the stall timer whenever bytes arrive, so a line
// trickling in slowly is not cut off.
type stallReader struct {
	r     io.Reader
	timer *time.Timer
	stall time.Duration
}

func (s *stallReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if n > 0 {
		s.timer.Reset(s.stall)
	}
	return n, err
}

// newFragmentLineStream renders already-known fragments as server-push lines
// in the flat-content envelope, terminated by the end sentinel. A positive
// delay is waited before each fragment.
func newFragmentLineStream(ctx context.Context, fragments []string, delay time.Duration) *LineStream {
	ls := &LineStream{}

	ls.seq = func(yield func(string, error) bool) {
		for _, fragment := range fragments {
			if delay > 0 {
				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					yield("", ctx.Err())
					return
				case <-timer.C:
				}
			}

			payload, err := json.Marshal(map[string]string{"content": fragment})
			if err != nil {
				yield("", err)
				return
			}

			if !yield(DataPrefix+string(payload), nil) {
				return
			}
		}

		yield(DataPrefix+DoneSentinel, nil)
	}

	return ls
}
