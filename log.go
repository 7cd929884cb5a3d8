package micdma

import (
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Debug enables debug output even when the logger level is above debug
var Debug bool

// timeout and hang reports of one channel are limited to one per interval
const logRateInterval = time.Second

// logOutput writes a debug message
func logOutput(l *logrus.Entry, msg string) {
	if Debug {
		l.Info(msg)
		return
	}
	l.Debug(msg)
}

// rateLimitedLogger drops messages that arrive faster than its limiter allows.
type rateLimitedLogger struct {
	l     *logrus.Entry
	limit *rate.Limiter
}

func newRateLimitedLogger(l *logrus.Entry, every time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{
		l:     l,
		limit: rate.NewLimiter(rate.Every(every), 1),
	}
}

func (rl *rateLimitedLogger) Warnf(format string, args ...interface{}) {
	if rl.limit.Allow() {
		rl.l.Warnf(format, args...)
	}
}

func (rl *rateLimitedLogger) Errorf(format string, args ...interface{}) {
	if rl.limit.Allow() {
		rl.l.Errorf(format, args...)
	}
}
