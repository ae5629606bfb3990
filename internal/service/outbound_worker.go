package service

import (
	"context"
	"sync"
	"time"

	"github.com/daankoote/savri-dossiers/internal/client"
	"github.com/daankoote/savri-dossiers/internal/logger"
	"github.com/daankoote/savri-dossiers/internal/repository"
)

const (
	// maxAttempts is the delivery ceiling; a message at the ceiling becomes
	// terminally failed.
	maxAttempts = 5

	// stuckAfter is how long a message may sit in processing before recovery
	// treats its worker as dead.
	stuckAfter = 10 * time.Minute

	baseRetryDelay = 30 * time.Second
	maxRetryDelay  = 30 * time.Minute
)

// retryDelay returns the backoff before attempt n+1: 30s, 60s, 120s, ...
// capped at 30 minutes.
func retryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := baseRetryDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return delay
}

// OutboundWorker drains the durable mail queue. Multiple instances may run
// concurrently; the claim CAS guarantees each message is delivered by at most
// one of them per attempt.
type OutboundWorker struct {
	outbound OutboundStore
	mail     client.MailClientInterface
	audit    *AuditRecorder

	interval  time.Duration
	batchSize int
	throttle  time.Duration
	now       func() time.Time

	log  *logger.Logger
	done chan struct{}
	wg   sync.WaitGroup
}

// NewOutboundWorker creates a new OutboundWorker.
func NewOutboundWorker(outbound OutboundStore, mail client.MailClientInterface, audit *AuditRecorder, interval time.Duration, batchSize int, log *logger.Logger) *OutboundWorker {
	return &OutboundWorker{
		outbound:  outbound,
		mail:      mail,
		audit:     audit,
		interval:  interval,
		batchSize: batchSize,
		throttle:  200 * time.Millisecond,
		now:       time.Now,
		log:       log,
		done:      make(chan struct{}),
	}
}

// Start runs the worker loop: one pass immediately, then one per interval,
// until the context is cancelled or Stop is called.
func (w *OutboundWorker) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		if err := w.RunOnce(ctx); err != nil {
			w.log.Error().Err(err).Msg("outbound worker pass failed")
		}

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-w.done:
				return
			case <-ticker.C:
				if err := w.RunOnce(ctx); err != nil {
					w.log.Error().Err(err).Msg("outbound worker pass failed")
				}
			}
		}
	}()
}

// Stop terminates the loop and waits for an in-flight pass to finish.
func (w *OutboundWorker) Stop() {
	close(w.done)
	w.wg.Wait()
}

// RunOnce performs a single worker pass: recover stuck messages, then claim
// and deliver one batch.
func (w *OutboundWorker) RunOnce(ctx context.Context) error {
	if err := w.recoverStuck(ctx); err != nil {
		return err
	}

	batch, err := w.outbound.SelectBatch(ctx, maxAttempts, w.batchSize)
	if err != nil {
		return err
	}

	for i, msg := range batch {
		if i > 0 && w.throttle > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.throttle):
			}
		}
		w.deliver(ctx, msg)
	}
	return nil
}

func (w *OutboundWorker) recoverStuck(ctx context.Context) error {
	cutoff := w.now().Add(-stuckAfter)
	recovered, err := w.outbound.RecoverStuck(ctx, cutoff, maxAttempts)
	if err != nil {
		return err
	}

	for _, m := range recovered {
		outcome := "requeued"
		if m.Failed {
			outcome = "failed"
		}
		w.log.Warn().
			Str("message_id", m.ID).
			Int("attempts", m.Attempts).
			Str("outcome", outcome).
			Msg("recovered stuck outbound message")

		if m.DossierID != nil {
			w.audit.Record(ctx, RequestMeta{}, *m.DossierID, repository.ActorSystem, "outbound_message_recovered", map[string]any{
				"reason":     "stuck_processing_timeout",
				"message_id": m.ID,
				"attempts":   m.Attempts,
				"outcome":    outcome,
			})
		}
	}
	return nil
}

func (w *OutboundWorker) deliver(ctx context.Context, msg *repository.OutboundMessage) {
	attempts, claimed, err := w.outbound.Claim(ctx, msg.ID)
	if err != nil {
		w.log.Error().Err(err).Str("message_id", msg.ID).Msg("failed to claim outbound message")
		return
	}
	if !claimed {
		return
	}

	providerID, sendErr := w.mail.Send(ctx, msg.Recipient, msg.Subject, msg.Body)
	if sendErr == nil {
		if err := w.outbound.MarkSent(ctx, msg.ID, providerID); err != nil {
			w.log.Error().Err(err).Str("message_id", msg.ID).Msg("failed to mark message sent")
			return
		}
		w.recordOutcome(ctx, msg, "outbound_message_sent", map[string]any{
			"message_id":          msg.ID,
			"attempts":            attempts,
			"provider_message_id": providerID,
		})
		return
	}

	if attempts >= maxAttempts {
		if err := w.outbound.MarkFailed(ctx, msg.ID, sendErr.Error()); err != nil {
			w.log.Error().Err(err).Str("message_id", msg.ID).Msg("failed to mark message failed")
			return
		}
		w.log.Error().Err(sendErr).
			Str("message_id", msg.ID).
			Int("attempts", attempts).
			Msg("outbound message permanently failed")
		w.recordOutcome(ctx, msg, "outbound_message_failed", map[string]any{
			"message_id": msg.ID,
			"attempts":   attempts,
			"error":      sendErr.Error(),
		})
		return
	}

	nextAttempt := w.now().Add(retryDelay(attempts))
	if err := w.outbound.Requeue(ctx, msg.ID, nextAttempt, sendErr.Error()); err != nil {
		w.log.Error().Err(err).Str("message_id", msg.ID).Msg("failed to requeue message")
		return
	}
	w.log.Warn().Err(sendErr).
		Str("message_id", msg.ID).
		Int("attempts", attempts).
		Time("next_attempt_at", nextAttempt).
		Msg("outbound message delivery failed, requeued")
	w.recordOutcome(ctx, msg, "outbound_message_requeued", map[string]any{
		"message_id":      msg.ID,
		"attempts":        attempts,
		"error":           sendErr.Error(),
		"next_attempt_at": nextAttempt,
	})
}

func (w *OutboundWorker) recordOutcome(ctx context.Context, msg *repository.OutboundMessage, eventType string, data map[string]any) {
	if msg.DossierID == nil {
		return
	}
	w.audit.Record(ctx, RequestMeta{}, *msg.DossierID, repository.ActorSystem, eventType, data)
}
