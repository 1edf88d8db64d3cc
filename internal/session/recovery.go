package session

import (
	"context"
	"fmt"
	"time"

	"github.com/denisyuji/hdmi-usb/internal/pipeline"
	"github.com/denisyuji/hdmi-usb/internal/retry"
	"github.com/denisyuji/hdmi-usb/internal/service"
)

// monitor watches one pipeline process of sess until it exits
func (b *Broker) monitor(sess *CaptureSession, proc pipeline.Process) {
	defer b.wg.Done()

	for ev := range proc.Events() {
		switch ev.Type {
		case pipeline.EventError:
			b.PublishEvent(service.EventTypePipelineError, map[string]interface{}{
				"session_id": sess.ID,
				"line":       ev.Line,
			})
			b.degrade(sess, proc, ev.Err)
		case pipeline.EventEOS:
			b.degrade(sess, proc, fmt.Errorf("capture pipeline reached end of stream"))
		case pipeline.EventExited:
			if !ev.Expected {
				cause := ev.Err
				if cause == nil {
					cause = fmt.Errorf("capture pipeline exited")
				}
				b.degrade(sess, proc, cause)
			}
		}
	}
}

// watchStall degrades the active session when no packet arrived within
// the stall timeout.
func (b *Broker) watchStall() {
	defer b.wg.Done()

	interval := b.cfg.StallTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.runCtx.Done():
			return
		case <-ticker.C:
		}

		b.mu.Lock()
		sess, proc := b.session, b.process
		b.mu.Unlock()
		if sess == nil || sess.State() != StateActive {
			continue
		}
		if time.Since(b.LastPacket()) > b.cfg.StallTimeout {
			b.degrade(sess, proc, ErrStalled)
		}
	}
}

// degrade moves an active session to Degraded and starts recovery. Only
// one recovery runs at a time and only for the process currently serving
// the session.
func (b *Broker) degrade(sess *CaptureSession, proc pipeline.Process, cause error) {
	b.mu.Lock()
	if b.session != sess || b.process != proc || b.recovering || sess.State() != StateActive {
		b.mu.Unlock()
		return
	}
	b.recovering = true
	sess.setState(StateDegraded)
	b.mu.Unlock()

	b.LogWarn("Capture session degraded", "session", sess.ID, "cause", cause)
	b.PublishEvent(service.EventTypeSessionDegraded, map[string]interface{}{
		"session_id": sess.ID,
		"cause":      errString(cause),
	})

	b.wg.Add(1)
	go b.recover(sess, proc)
}

// recover restarts the capture pipeline under a bounded policy: each
// attempt stops whatever still runs, resets the device and starts a new
// pipeline. Exhaustion closes the session with a capture-stage error.
func (b *Broker) recover(sess *CaptureSession, failed pipeline.Process) {
	defer b.wg.Done()

	policy := retry.Policy{
		MaxAttempts: b.cfg.RecoveryAttempts,
		Delay:       b.cfg.RecoveryDelay,
		Backoff:     retry.BackoffFixed,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			b.LogWarn("Recovery attempt failed", "session", sess.ID, "attempt", attempt, "error", err, "delay", delay)
		},
	}

	current := failed
	attempts, err := retry.Do(b.runCtx, policy, func(ctx context.Context, attempt int) error {
		if current != nil {
			stopCtx, cancel := context.WithTimeout(ctx, b.stopTimeout())
			if err := current.Stop(stopCtx); err != nil {
				b.LogWarn("Failed to stop pipeline before recovery", "error", err)
			}
			cancel()
			current = nil
		}

		if b.resetter != nil {
			if err := b.resetter.Reset(ctx, sess.Device.Path); err != nil {
				b.LogWarn("Device reset failed", "device", sess.Device.Path, "error", err)
			} else {
				b.PublishEvent(service.EventTypeDeviceReset, map[string]interface{}{
					"device": sess.Device.Path,
				})
			}
		}

		proc, err := b.startPipeline(ctx, sess)
		if err != nil {
			return retry.Retryable(err)
		}
		current = proc
		return nil
	})

	b.mu.Lock()
	b.recovering = false
	if b.session != sess {
		// closed while recovering
		b.mu.Unlock()
		if current != nil {
			stopCtx, cancel := context.WithTimeout(context.Background(), b.stopTimeout())
			_ = current.Stop(stopCtx)
			cancel()
		}
		return
	}

	if err == nil {
		b.process = current
		sess.setState(StateActive)
		sess.recovered()
		b.touch()
		b.wg.Add(1)
		go b.monitor(sess, current)
		b.mu.Unlock()

		if b.store != nil {
			if err := b.store.IncrementRecoveries(context.Background(), sess.ID); err != nil {
				b.LogWarn("Failed to record recovery", "session", sess.ID, "error", err)
			}
		}
		b.LogInfo("Capture session recovered", "session", sess.ID, "attempts", attempts)
		b.PublishEvent(service.EventTypeSessionRecovered, map[string]interface{}{
			"session_id": sess.ID,
			"attempts":   attempts,
		})
		return
	}

	b.session = nil
	b.process = nil
	b.mu.Unlock()

	b.finish(sess, retry.NewStageError(retry.StageCapture, attempts, err), "recovery exhausted")
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
