package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Error kinds returned by Client. Match them with errors.Is.
var (
	ErrTimeout           = errors.New("upstream request timed out, please retry later")
	ErrUnreachable       = errors.New("cannot reach the upstream API, check the network connection")
	ErrHTTPStatus        = errors.New("upstream API returned an error status")
	ErrMalformedResponse = errors.New("upstream API response could not be parsed")
)

// errStalled is the cancellation cause used when a stream goes idle.
var errStalled = errors.New("upstream stream stalled")

// Error is a classified upstream failure.
type Error struct {
	// Kind is one of the Err* sentinels above.
	Kind error

	// StatusCode and Body are set for ErrHTTPStatus.
	StatusCode int
	Body       string

	Err error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%v: %d %s", e.Kind, e.StatusCode, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	default:
		return e.Kind.Error()
	}
}

func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

// classify maps a transport error onto an upstream error kind. Cancellation
// by the caller is returned unchanged: it is not an upstream failure.
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(context.Cause(ctx), errStalled) {
		return &Error{Kind: ErrTimeout, Err: errStalled}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: ErrTimeout, Err: err}
	}

	if errors.Is(err, context.Canceled) {
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: ErrTimeout, Err: err}
	}

	return &Error{Kind: ErrUnreachable, Err: err}
}
