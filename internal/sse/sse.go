// Package sse decodes Server-Sent Events bodies into typed values.
//
// The decoder is line oriented: the most recent "event:" line names the
// current event and every "data:" line is handed to the caller's handler
// together with that name. Other lines are ignored.
package sse

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
)

// DoneSentinel is the legacy end-of-stream marker used by OpenAI style APIs.
const DoneSentinel = "[DONE]"

type action uint8

const (
	actionContinue action = iota
	actionSkip
	actionStop
)

// Decision is a handler's verdict for one data line.
type Decision[T any] struct {
	value  T
	action action
}

// Continue emits v downstream and keeps reading.
func Continue[T any](v T) Decision[T] {
	return Decision[T]{value: v, action: actionContinue}
}

// Skip emits nothing and keeps reading.
func Skip[T any]() Decision[T] {
	return Decision[T]{action: actionSkip}
}

// Stop terminates the sequence.
func Stop[T any]() Decision[T] {
	return Decision[T]{action: actionStop}
}

// Handler maps an event name and data payload to a decision. A returned error
// is yielded downstream and ends the sequence.
type Handler[T any] func(event, data string) (Decision[T], error)

type options struct {
	doneSentinel bool
}

// Option configures Events.
type Option func(*options)

// WithDoneSentinel ends the sequence on a "data: [DONE]" line without calling the handler.
func WithDoneSentinel() Option {
	return func(o *options) {
		o.doneSentinel = true
	}
}

// Events returns a lazy sequence over the body. The body is closed on every
// exit path: end of input, a Stop decision, a handler or read error, and the
// consumer breaking out of the loop.
func Events[T any](body io.ReadCloser, handle Handler[T], opts ...Option) iter.Seq2[T, error] {
	var cfg options
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(yield func(T, error) bool) {
		defer body.Close()

		var zero T
		reader := bufio.NewReader(body)
		event := ""
		for {
			line, err := reader.ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				yield(zero, fmt.Errorf("read event stream: %w", err))
				return
			}
			eof := err != nil

			line = strings.TrimRight(line, "\r\n")
			switch {
			case strings.HasPrefix(line, "event:"):
				event = strings.TrimSpace(line[len("event:"):])
			case strings.HasPrefix(line, "data:"):
				data := strings.TrimPrefix(line[len("data:"):], " ")
				if cfg.doneSentinel && strings.TrimSpace(data) == DoneSentinel {
					return
				}
				decision, herr := handle(event, data)
				if herr != nil {
					yield(zero, herr)
					return
				}
				switch decision.action {
				case actionStop:
					return
				case actionContinue:
					if !yield(decision.value, nil) {
						return
					}
				}
			}

			if eof {
				return
			}
		}
	}
}
