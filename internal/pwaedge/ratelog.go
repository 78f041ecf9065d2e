package pwaedge

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// rateLimitedLogger emits at most one entry per interval and counts what it
// swallowed in between.
type rateLimitedLogger struct {
	log     *zap.Logger
	limiter *rate.Limiter
	now     func() time.Time

	mu         sync.Mutex
	suppressed int
}

func newRateLimitedLogger(log *zap.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{
		log:     log,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		now:     time.Now,
	}
}

func (l *rateLimitedLogger) Warn(msg string, fields ...zap.Field) {
	l.mu.Lock()
	if !l.limiter.AllowN(l.now(), 1) {
		l.suppressed++
		l.mu.Unlock()
		return
	}
	if l.suppressed > 0 {
		fields = append(fields, zap.Int("suppressed", l.suppressed))
		l.suppressed = 0
	}
	l.mu.Unlock()
	l.log.Warn(msg, fields...)
}
