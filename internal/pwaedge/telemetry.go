package pwaedge

import (
	"time"

	"github.com/getsentry/sentry-go"
)

// initSentry enables error reporting when telemetry.sentryDSN is set. The
// returned function flushes buffered events.
func initSentry(cfg Config, release string) (func(), error) {
	if cfg.Telemetry.SentryDSN == "" {
		return nil, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.Telemetry.SentryDSN,
		Environment: cfg.Telemetry.Environment,
		Release:     release,
	})
	if err != nil {
		return nil, err
	}
	return func() { sentry.Flush(2 * time.Second) }, nil
}

func reportInstallError(err error) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", "worker.install")
		sentry.CaptureException(err)
	})
}
