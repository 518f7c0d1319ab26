package pcsc

import (
	"bytes"
	"fmt"

	"github.com/juju/loggo"
	"github.com/rcrowley/go-metrics"
)

// Option configures a Reader. Options given to NewManager apply to every
// reader it creates.
type Option func(*Reader) error

// WithLogger replaces the package logger.
func WithLogger(logger loggo.Logger) Option {
	return func(r *Reader) error {
		r.log = logger
		return nil
	}
}

// WithMetrics registers the session counters in registry.
func WithMetrics(registry metrics.Registry) Option {
	return func(r *Reader) error {
		if registry == nil {
			return fmt.Errorf("nil metrics registry")
		}
		r.metrics = newSessionMetrics(registry)
		return nil
	}
}

// WithAID sets the application selected on ISO 14443-4 cards.
func WithAID(aid []byte) Option {
	return func(r *Reader) error {
		r.SetAID(aid)
		return nil
	}
}

// WithAIDFunc sets a function choosing the AID from the detected card.
func WithAIDFunc(fn AIDFunc) Option {
	return func(r *Reader) error {
		r.SetAIDFunc(fn)
		return nil
	}
}

// WithControlCode overrides the IOCTL used by Control.
func WithControlCode(code uint32) Option {
	return func(r *Reader) error {
		r.controlCode = code
		return nil
	}
}

// AIDFunc returns the AID to select on card, or nil to skip selection.
type AIDFunc func(card Card) []byte

func staticAID(aid []byte) AIDFunc {
	aid = bytes.Clone(aid)
	return func(Card) []byte { return aid }
}
