// Package observe defines the checkpoints the bootstrap reports while it
// runs. The core packages call an Observer instead of logging directly.
package observe

import (
	"log/slog"
	"time"
)

type Observer interface {
	PollStart(urls []string, maxWait time.Duration)
	PollAttemptFailed(url string, elapsed time.Duration, err error)
	PollSucceeded(url string, elapsed time.Duration)
	PollGiveUp(urls []string, elapsed time.Duration, err error)
	FetchDone(name, url string, duration time.Duration, err error)
	PasswordFound()
	PasswordUnacknowledged(err error)
	StateChanged(from, to string)
}

type logObserver struct {
	logger *slog.Logger
}

// NewLogObserver returns an Observer that writes every checkpoint to logger.
func NewLogObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &logObserver{logger: logger}
}

func (l *logObserver) PollStart(urls []string, maxWait time.Duration) {
	l.logger.Info("Waiting for the metadata service", "urls", urls, "max-wait", maxWait)
}

func (l *logObserver) PollAttemptFailed(url string, elapsed time.Duration, err error) {
	l.logger.Debug("Metadata service not ready", "url", url, "elapsed", elapsed, "error", err)
}

func (l *logObserver) PollSucceeded(url string, elapsed time.Duration) {
	l.logger.Info("Metadata service ok", "url", url, "elapsed", elapsed)
}

func (l *logObserver) PollGiveUp(urls []string, elapsed time.Duration, err error) {
	l.logger.Error("Giving up on waiting for the metadata service", "urls", urls,
		"seconds", int(elapsed.Seconds()), "error", err)
}

func (l *logObserver) FetchDone(name, url string, duration time.Duration, err error) {
	if err != nil {
		l.logger.Warn("Fetch failed", "name", name, "url", url, "duration", duration, "error", err)
		return
	}
	l.logger.Debug("Fetch done", "name", name, "url", url, "duration", duration)
}

func (l *logObserver) PasswordFound() {
	l.logger.Info("Found the password in metadata service")
}

func (l *logObserver) PasswordUnacknowledged(err error) {
	l.logger.Error("Password was read but not acknowledged, it may be delivered again",
		"error", err)
}

func (l *logObserver) StateChanged(from, to string) {
	l.logger.Debug("Bootstrap state changed", "from", from, "to", to)
}

// Nop discards every checkpoint.
type Nop struct{}

func (Nop) PollStart([]string, time.Duration) {}
func (Nop) PollAttemptFailed(string, time.Duration, error) {}
func (Nop) PollSucceeded(string, time.Duration) {}
func (Nop) PollGiveUp([]string, time.Duration, error) {}
func (Nop) FetchDone(string, string, time.Duration, error) {}
func (Nop) PasswordFound() {}
func (Nop) PasswordUnacknowledged(error) {}
func (Nop) StateChanged(string, string) {}
