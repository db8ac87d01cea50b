package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/voxread-labs/voxread-core/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrBusy reports that the device queue would not clear within the
	// bounded retry window. Recoverable: the caller may retry.
	ErrBusy = errors.New("speech device busy")

	// ErrCorrupted reports an error implausibly soon after submission,
	// which on known-flaky platforms signals a wedged synthesis queue.
	// Fatal for the session until the caller explicitly retries or
	// reloads; never retried automatically.
	ErrCorrupted = errors.New("speech device corrupted")

	// ErrInFlight rejects a second Speak while one is outstanding.
	ErrInFlight = errors.New("utterance already in flight")
)

// Outcome classifies how an utterance ended when no error is returned.
type Outcome int

const (
	// OutcomeCompleted: the device finished speaking the utterance.
	OutcomeCompleted Outcome = iota
	// OutcomeCanceled: the cancellation was requested through CancelAll.
	OutcomeCanceled
	// OutcomeInterrupted: the device ended the utterance on its own
	// (unrequested cancel or a late, non-fatal error). Callers treat
	// this like completion and move on.
	OutcomeInterrupted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeCanceled:
		return "canceled"
	case OutcomeInterrupted:
		return "interrupted"
	}
	return "unknown"
}

// Policy bounds the adapter's defensive behavior. Every wait the
// adapter performs is capped so a wedged device produces a reported
// error instead of a hang.
type Policy struct {
	IdlePollAttempts int
	IdlePollInterval time.Duration
	DoubleCancel     bool
	CorruptionWindow time.Duration
	UtteranceTimeout time.Duration
}

func PolicyFromConfig(cfg config.DeviceConfig) Policy {
	return Policy{
		IdlePollAttempts: cfg.IdlePollAttempts,
		IdlePollInterval: time.Duration(cfg.IdlePollIntervalMS) * time.Millisecond,
		DoubleCancel:     cfg.DoubleCancel,
		CorruptionWindow: time.Duration(cfg.CorruptionWindowMS) * time.Millisecond,
		UtteranceTimeout: time.Duration(cfg.UtteranceTimeoutMS) * time.Millisecond,
	}
}

// Adapter owns one Device for one playback session. At most one Speak
// is in flight at a time; concurrent submissions are rejected rather
// than double-queued.
type Adapter struct {
	dev    Device
	policy Policy
	log    *slog.Logger

	inFlight        atomic.Bool
	cancelRequested atomic.Bool

	idleRetries metric.Int64Counter
	faults      metric.Int64Counter
}

func NewAdapter(dev Device, policy Policy, log *slog.Logger) *Adapter {
	a := &Adapter{
		dev:    dev,
		policy: policy,
		log:    log.With(slog.String("component", "speech-device")),
	}
	meter := otel.Meter("github.com/voxread-labs/voxread-core/device")
	var err error
	if a.idleRetries, err = meter.Int64Counter("voxread.device.idle_poll_retries"); err != nil {
		a.log.Warn("failed to create retry counter", slogError(err))
	}
	if a.faults, err = meter.Int64Counter("voxread.device.faults"); err != nil {
		a.log.Warn("failed to create fault counter", slogError(err))
	}
	return a
}

// Speak submits one utterance and blocks until its terminal outcome.
// The device queue is first forced idle (cancel, then a bounded
// busy-poll); only ErrBusy, ErrCorrupted, ErrInFlight, and context
// errors propagate. Anything else the device does is classified into
// an Outcome.
func (a *Adapter) Speak(ctx context.Context, u Utterance) (Outcome, error) {
	if !a.inFlight.CompareAndSwap(false, true) {
		return 0, ErrInFlight
	}
	defer a.inFlight.Store(false)

	if err := a.ensureIdle(ctx); err != nil {
		return 0, err
	}

	// Any stale cancel flag belongs to a previous utterance; reset so
	// a genuine device-side cancel is not misclassified as ours.
	a.cancelRequested.Store(false)

	start := time.Now()
	events, err := a.dev.Speak(ctx, u)
	if err != nil {
		a.countFault("submit")
		return 0, fmt.Errorf("submit utterance: %w", err)
	}

	timeout := time.NewTimer(a.policy.UtteranceTimeout)
	defer timeout.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// Channel closed without a terminal event. Some devices
				// drop the completion notification; treat it as done.
				return OutcomeCompleted, nil
			}
			switch ev.Kind {
			case EventStarted:
				continue
			case EventCompleted:
				return OutcomeCompleted, nil
			case EventCanceled:
				if a.cancelRequested.Swap(false) {
					return OutcomeCanceled, nil
				}
				a.log.Debug("device-initiated cancel, treating as interrupted",
					slog.Duration("elapsed", time.Since(start)))
				return OutcomeInterrupted, nil
			case EventErrored:
				elapsed := ev.Elapsed
				if elapsed <= 0 {
					elapsed = time.Since(start)
				}
				if elapsed < a.policy.CorruptionWindow {
					a.countFault("corruption")
					return 0, fmt.Errorf("%w: error %q after %s", ErrCorrupted, ev.Code, elapsed)
				}
				// Late errors are flakiness, not corruption. Mask them
				// so one bad utterance does not end the session.
				a.countFault("late_error")
				a.log.Warn("device error mid-utterance, skipping chunk",
					slog.String("code", ev.Code),
					slog.Duration("elapsed", elapsed))
				return OutcomeInterrupted, nil
			}
		case <-timeout.C:
			a.countFault("timeout")
			a.dev.Cancel()
			return 0, fmt.Errorf("%w: no completion within %s", ErrBusy, a.policy.UtteranceTimeout)
		case <-ctx.Done():
			a.dev.Cancel()
			return 0, ctx.Err()
		}
	}
}

// CancelAll discards any queued or in-flight speech. Idempotent; safe
// when nothing is playing. The requested-cancel flag lets the in-flight
// Speak distinguish this from a device-initiated interruption.
func (a *Adapter) CancelAll() {
	a.cancelRequested.Store(true)
	a.dev.Cancel()
	if a.policy.DoubleCancel {
		// Some platforms leave phantom queue entries after one cancel.
		a.dev.Cancel()
	}
}

// ensureIdle cancels whatever the device holds and polls Busy until the
// queue drains, giving up after the configured attempt cap.
func (a *Adapter) ensureIdle(ctx context.Context) error {
	a.dev.Cancel()
	if a.policy.DoubleCancel {
		a.dev.Cancel()
	}
	for attempt := 0; ; attempt++ {
		if !a.dev.Busy() {
			return nil
		}
		if attempt >= a.policy.IdlePollAttempts {
			a.countFault("busy")
			return fmt.Errorf("%w: queue not idle after %d polls", ErrBusy, attempt)
		}
		if a.idleRetries != nil {
			a.idleRetries.Add(ctx, 1)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.policy.IdlePollInterval):
		}
	}
}

func (a *Adapter) countFault(kind string) {
	if a.faults != nil {
		a.faults.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
