package main

import (
	"errors"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gregLibert/nfc-pcsc/pkg/pcsc"
)

var sentryEnabled bool

// initSentry enables error reporting when cfg carries a DSN.
func initSentry(cfg *config, version string) error {
	if cfg.SentryDSN == "" {
		return nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		Release:          "nfc-pcsc@" + version,
		Environment:      cfg.SentryEnvironment,
		AttachStacktrace: true,
	})
	if err != nil {
		return err
	}
	sentryEnabled = true
	return nil
}

// report sends err to Sentry, tagged with the reader and the error kind.
func report(reader string, err error) {
	if !sentryEnabled || err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("reader", reader)
		var e *pcsc.Error
		if errors.As(err, &e) {
			scope.SetTag("kind", e.Kind.String())
			scope.SetTag("code", string(e.Code))
		}
		sentry.CaptureException(err)
	})
}

func flushSentry(timeout time.Duration) {
	if sentryEnabled {
		sentry.Flush(timeout)
	}
}
