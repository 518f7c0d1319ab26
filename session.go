package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/gregLibert/nfc-pcsc/pkg/pcsc"
)

// session wires the handlers of every attached reader.
type session struct {
	ctx  context.Context
	cfg  *config
	feed *feed
	key  *pcsc.Key
}

func (s *session) attach(r *pcsc.Reader) {
	name := r.Name()
	logger.Infof("%s: device attached", name)
	s.feed.publish(event{Type: "reader", Reader: name})

	// Handlers of one reader run on its session goroutine.
	var presence string
	publish := func(e event) {
		e.Presence = presence
		s.feed.publish(e)
	}

	acr, isACR := r.ACR122()
	feedback := func(f pcsc.Feedback) {
		if !isACR || s.cfg.NoFeedback {
			return
		}
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Timeout.Duration)
		defer cancel()
		if _, err := acr.SetFeedback(ctx, f, nil); err != nil {
			logger.Debugf("%s: feedback %s: %v", name, f, err)
		}
	}

	r.OnCardConnected(func(c pcsc.Card) {
		presence = uuid.NewString()
		logger.Debugf("%s: card connected, atr %X, presence %s", name, c.ATR, presence)
	})
	r.OnCard(func(c pcsc.Card) {
		logger.Infof("%s: card detected, %s", name, c)
		publish(cardEvent("card", name, c))

		if c.Standard == pcsc.ISO14443_3 && s.cfg.ReadLength > 0 {
			data, err := s.read(r)
			if err != nil {
				logger.Warningf("%s: %v", name, err)
				publish(event{Type: "error", Reader: name, Error: err.Error()})
				report(name, err)
				feedback(pcsc.FeedbackError)
				return
			}
			logger.Infof("%s: block %d: %X", name, s.cfg.ReadBlock, data)
			c.Data = data
			e := cardEvent("data", name, c)
			if s.cfg.NDEF {
				e.NDEF = describeNDEF(name, data)
			}
			publish(e)
		}
		feedback(pcsc.FeedbackSuccess)
	})
	r.OnCardRemoved(func(c pcsc.Card) {
		logger.Infof("%s: card removed, %s", name, c)
		publish(cardEvent("removed", name, c))
		presence = ""
	})
	r.OnError(func(err error) {
		logger.Warningf("%s: %v", name, err)
		publish(event{Type: "error", Reader: name, Error: err.Error()})
		report(name, err)
		feedback(pcsc.FeedbackErrorSimple)
	})
	r.OnReaderError(func(err error) {
		logger.Errorf("%s: reader error: %v", name, err)
		report(name, err)
	})
	r.OnEnd(func() {
		logger.Infof("%s: device removed", name)
		s.feed.publish(event{Type: "end", Reader: name})
	})

	if isACR && !s.cfg.NoFeedback {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Timeout.Duration)
		defer cancel()
		if _, err := acr.SetBuzzer(ctx, false); err != nil {
			logger.Debugf("%s: buzzer: %v", name, err)
		}
	}
}

// read authenticates the configured block when a key is set, then reads.
func (s *session) read(r *pcsc.Reader) ([]byte, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Timeout.Duration)
	defer cancel()

	if s.key != nil {
		keyType := pcsc.KeyTypeA
		if s.cfg.KeyType == "B" {
			keyType = pcsc.KeyTypeB
		}
		if err := r.Authenticate(ctx, byte(s.cfg.ReadBlock), keyType, *s.key); err != nil {
			return nil, fmt.Errorf("authenticate block %d: %w", s.cfg.ReadBlock, err)
		}
	}
	return r.Read(ctx, s.cfg.ReadBlock, s.cfg.ReadLength)
}

func describeNDEF(reader string, data []byte) string {
	msg, err := decodeNDEF(data)
	if errors.Is(err, errNoNDEF) {
		return ""
	}
	if err != nil {
		logger.Debugf("%s: %v", reader, err)
		return ""
	}
	logger.Infof("%s: NDEF message with %d record(s)", reader, len(msg.Records))
	return msg.String()
}
