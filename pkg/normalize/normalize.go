// Package normalize turns a raw server-push line stream from any of the
// known upstream providers into a uniform sequence of text fragments.
package normalize

import (
	"encoding/json"
	"fmt"
	"iter"
	"strings"

	"go.uber.org/zap"
)

const (
	dataPrefix   = "data:"
	doneSentinel = "[DONE]"
)

// DecodeError describes a payload line that could not be decoded. It is
// reported to OnSkip and never ends the stream.
type DecodeError struct {
	Payload string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode upstream payload %q: %v", truncate(e.Payload, 80), e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Normalizer extracts fragments from raw lines.
type Normalizer struct {
	logger     *zap.Logger
	extractors []Extractor

	// OnSkip, when set, observes every skipped payload.
	OnSkip func(err *DecodeError)
}

// New creates a Normalizer probing DefaultExtractors.
func New(logger *zap.Logger) *Normalizer {
	return &Normalizer{
		logger:     logger,
		extractors: DefaultExtractors,
	}
}

// WithExtractors returns a copy probing the given extractors in order.
func (n *Normalizer) WithExtractors(extractors ...Extractor) *Normalizer {
	copied := *n
	copied.extractors = extractors
	return &copied
}

// Normalize yields the non-empty fragments carried by lines, in order. The
// sequence ends at the "[DONE]" sentinel, when lines ends, or after
// yielding the first error from lines. It decodes one line at a time and
// is as restartable as lines is.
func (n *Normalizer) Normalize(lines iter.Seq2[string, error]) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		fragments := 0

		for line, err := range lines {
			if err != nil {
				yield("", err)
				return
			}

			payload, ok := strings.CutPrefix(line, dataPrefix)
			if !ok {
				continue
			}
			payload = strings.TrimPrefix(payload, " ")

			if strings.TrimSpace(payload) == doneSentinel {
				n.logger.Debug("received end sentinel", zap.Int("fragments", fragments))
				return
			}

			content, err := n.extract(payload)
			if err != nil {
				n.skip(&DecodeError{Payload: payload, Err: err})
				continue
			}
			if content == "" {
				continue
			}

			fragments++
			if !yield(content, nil) {
				return
			}
		}

		n.logger.Debug("upstream stream ended", zap.Int("fragments", fragments))
	}
}

// extract probes the extractors in order; the first match wins.
func (n *Normalizer) extract(payload string) (string, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return "", err
	}

	for _, ex := range n.extractors {
		content, matched, err := ex.Extract(env)
		if err != nil {
			return "", fmt.Errorf("%s: %w", ex.Name, err)
		}
		if matched {
			return content, nil
		}
	}

	return "", nil
}

func (n *Normalizer) skip(err *DecodeError) {
	n.logger.Warn("skipping undecodable upstream line", zap.Error(err))
	if n.OnSkip != nil {
		n.OnSkip(err)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
