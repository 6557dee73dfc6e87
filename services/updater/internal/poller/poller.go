package poller

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"fpupdate/services/updater/internal/adb"
	"fpupdate/services/updater/internal/fault"
)

// ModeSource reports the mode of the attached device.
type ModeSource interface {
	DetectMode(ctx context.Context) (adb.Mode, error)
}

// Recorder receives the outcome of each wait for metrics.
type Recorder interface {
	ModeWait(target string, polls int, waited time.Duration, reached bool)
}

// Poller waits for a device to reach a mode by repeatedly asking a ModeSource.
type Poller struct {
	source   ModeSource
	logger   zerolog.Logger
	recorder Recorder
}

// Option configures a Poller.
type Option func(*Poller)

// WithLogger sets the poller's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Poller) { p.logger = logger }
}

// WithRecorder reports each wait to r.
func WithRecorder(r Recorder) Option {
	return func(p *Poller) { p.recorder = r }
}

// New returns a Poller reading modes from source.
func New(source ModeSource, opts ...Option) (*Poller, error) {
	if source == nil {
		return nil, errors.New("mode source is required")
	}
	p := &Poller{source: source, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// AwaitMode blocks until the device reports target. Each iteration sleeps one
// interval before checking, so a device that is still in its previous mode
// right after a reboot command is never mistaken for the target.
//
// A zero timeout waits forever. Detection errors end the wait immediately.
func (p *Poller) AwaitMode(ctx context.Context, target adb.Mode, interval, timeout time.Duration) error {
	if interval <= 0 {
		return errors.New("poll interval must be positive")
	}
	if timeout < 0 {
		return errors.New("poll timeout must not be negative")
	}

	logger := p.logger.With().Str("target", string(target)).Logger()
	start := time.Now()
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	polls := 0
	for {
		select {
		case <-ctx.Done():
			p.record(target, polls, time.Since(start), false)
			return ctx.Err()
		case <-deadline:
			p.record(target, polls, time.Since(start), false)
			return fault.Timeoutf("await "+string(target), "device not in %s mode after %s (%d polls)", target, timeout, polls)
		case <-ticker.C:
		}

		polls++
		mode, err := p.source.DetectMode(ctx)
		if err != nil {
			p.record(target, polls, time.Since(start), false)
			return err
		}
		if mode == target {
			waited := time.Since(start)
			logger.Info().Int("polls", polls).Dur("waited", waited).Msg("device reached mode")
			p.record(target, polls, waited, true)
			return nil
		}
		logger.Debug().Int("polls", polls).Str("mode", string(mode)).Msg("waiting for device")
	}
}

func (p *Poller) record(target adb.Mode, polls int, waited time.Duration, reached bool) {
	if p.recorder != nil {
		p.recorder.ModeWait(string(target), polls, waited, reached)
	}
}
