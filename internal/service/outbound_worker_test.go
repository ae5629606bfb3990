package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/daankoote/savri-dossiers/internal/repository"
)

func newTestWorker(outbound *fakeOutboundStore, mail *fakeMailClient, audits *fakeAuditStore) *OutboundWorker {
	w := NewOutboundWorker(outbound, mail, NewAuditRecorder(audits, "test", testLogger()), time.Minute, 20, testLogger())
	w.throttle = 0
	return w
}

func enqueueTestMessage(t *testing.T, outbound *fakeOutboundStore, id string, dossierID *string) *repository.OutboundMessage {
	t.Helper()
	m := &repository.OutboundMessage{
		ID:        id,
		DossierID: dossierID,
		Recipient: "anna@example.com",
		Subject:   "test",
		Body:      "body",
	}
	if err := outbound.Enqueue(context.Background(), m); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	return m
}

func TestRetryDelayGrowth(t *testing.T) {
	want := []time.Duration{
		30 * time.Second,
		60 * time.Second,
		120 * time.Second,
		240 * time.Second,
		480 * time.Second,
	}
	for i, expected := range want {
		if got := retryDelay(i + 1); got != expected {
			t.Fatalf("attempt %d: expected %v, got %v", i+1, expected, got)
		}
	}
	if got := retryDelay(20); got != 30*time.Minute {
		t.Fatalf("expected cap at 30m, got %v", got)
	}
	if got := retryDelay(0); got != 30*time.Second {
		t.Fatalf("attempt 0 should clamp to 30s, got %v", got)
	}
}

func TestRunOnceDeliversQueuedMessage(t *testing.T) {
	outbound := newFakeOutboundStore()
	mail := &fakeMailClient{}
	audits := newFakeAuditStore()
	dossierID := "d1"
	enqueueTestMessage(t, outbound, "m1", &dossierID)

	w := newTestWorker(outbound, mail, audits)
	if err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	m := outbound.messages["m1"]
	if m.Status != repository.MessageSent {
		t.Fatalf("expected sent, got %s", m.Status)
	}
	if m.ProviderMessageID == nil || *m.ProviderMessageID != "provider-1" {
		t.Fatal("provider message id not recorded")
	}
	if len(mail.sent) != 1 {
		t.Fatalf("expected one delivery, got %d", len(mail.sent))
	}
	if !audits.hasEvent("outbound_message_sent") {
		t.Fatal("expected outbound_message_sent audit event")
	}
}

func TestRunOnceRequeuesWithBackoff(t *testing.T) {
	outbound := newFakeOutboundStore()
	mail := &fakeMailClient{err: fmt.Errorf("smtp unavailable")}
	audits := newFakeAuditStore()
	enqueueTestMessage(t, outbound, "m1", nil)

	w := newTestWorker(outbound, mail, audits)
	before := time.Now()
	if err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	m := outbound.messages["m1"]
	if m.Status != repository.MessageQueued {
		t.Fatalf("expected requeued, got %s", m.Status)
	}
	if m.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", m.Attempts)
	}
	if m.NextAttemptAt == nil || m.NextAttemptAt.Before(before.Add(29*time.Second)) {
		t.Fatalf("expected ~30s backoff, got %v", m.NextAttemptAt)
	}
	if m.LastError == nil || *m.LastError != "smtp unavailable" {
		t.Fatal("last error not recorded")
	}
}

func TestRunOnceAuditsRequeuedDossierMessage(t *testing.T) {
	outbound := newFakeOutboundStore()
	mail := &fakeMailClient{err: fmt.Errorf("smtp unavailable")}
	audits := newFakeAuditStore()
	dossierID := "d1"
	enqueueTestMessage(t, outbound, "m1", &dossierID)

	w := newTestWorker(outbound, mail, audits)
	if err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	if got := outbound.messages["m1"].Status; got != repository.MessageQueued {
		t.Fatalf("expected requeued, got %s", got)
	}
	e := audits.lastEvent()
	if e == nil || e.EventType != "outbound_message_requeued" {
		t.Fatalf("expected outbound_message_requeued audit event, got %+v", e)
	}
	if e.DossierID != "d1" || e.ActorType != repository.ActorSystem {
		t.Fatalf("unexpected event provenance: %+v", e)
	}
	if e.Data["attempts"] != 1 || e.Data["error"] != "smtp unavailable" {
		t.Fatalf("unexpected event data: %v", e.Data)
	}
	if _, ok := e.Data["next_attempt_at"]; !ok {
		t.Fatal("expected next_attempt_at in event data")
	}
}

func TestRunOnceFailsAtAttemptCeiling(t *testing.T) {
	outbound := newFakeOutboundStore()
	mail := &fakeMailClient{err: fmt.Errorf("smtp unavailable")}
	audits := newFakeAuditStore()
	dossierID := "d1"
	m := enqueueTestMessage(t, outbound, "m1", &dossierID)
	outbound.messages[m.ID].Attempts = maxAttempts - 1

	w := newTestWorker(outbound, mail, audits)
	if err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	if got := outbound.messages["m1"].Status; got != repository.MessageFailed {
		t.Fatalf("expected failed at the ceiling, got %s", got)
	}
	if !audits.hasEvent("outbound_message_failed") {
		t.Fatal("expected outbound_message_failed audit event")
	}
}

func TestRunOnceSkipsFutureMessages(t *testing.T) {
	outbound := newFakeOutboundStore()
	mail := &fakeMailClient{}
	enqueueTestMessage(t, outbound, "m1", nil)
	future := time.Now().Add(10 * time.Minute)
	outbound.messages["m1"].NextAttemptAt = &future

	w := newTestWorker(outbound, mail, newFakeAuditStore())
	if err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if len(mail.sent) != 0 {
		t.Fatal("message scheduled in the future must not be delivered")
	}
}

func TestRecoverStuckRequeuesAndFails(t *testing.T) {
	outbound := newFakeOutboundStore()
	mail := &fakeMailClient{}
	audits := newFakeAuditStore()
	dossierID := "d1"

	stale := time.Now().Add(-time.Hour)

	// Stuck below the ceiling: requeued.
	m1 := enqueueTestMessage(t, outbound, "m1", &dossierID)
	outbound.messages[m1.ID].Status = repository.MessageProcessing
	outbound.messages[m1.ID].Attempts = 2
	outbound.messages[m1.ID].LastAttemptAt = &stale

	// Stuck at the ceiling: terminally failed.
	m2 := enqueueTestMessage(t, outbound, "m2", &dossierID)
	outbound.messages[m2.ID].Status = repository.MessageProcessing
	outbound.messages[m2.ID].Attempts = maxAttempts
	outbound.messages[m2.ID].LastAttemptAt = &stale

	// Fresh processing row: untouched.
	recent := time.Now()
	m3 := enqueueTestMessage(t, outbound, "m3", &dossierID)
	outbound.messages[m3.ID].Status = repository.MessageProcessing
	outbound.messages[m3.ID].Attempts = 1
	outbound.messages[m3.ID].LastAttemptAt = &recent

	w := newTestWorker(outbound, mail, audits)
	if err := w.recoverStuck(context.Background()); err != nil {
		t.Fatalf("recoverStuck failed: %v", err)
	}

	if got := outbound.messages["m1"].Status; got != repository.MessageQueued {
		t.Fatalf("m1: expected requeued, got %s", got)
	}
	if got := outbound.messages["m2"].Status; got != repository.MessageFailed {
		t.Fatalf("m2: expected failed, got %s", got)
	}
	if got := outbound.messages["m3"].Status; got != repository.MessageProcessing {
		t.Fatalf("m3: expected untouched, got %s", got)
	}

	recoveries := 0
	for _, e := range audits.events {
		if e.EventType == "outbound_message_recovered" {
			recoveries++
			if e.Data["reason"] != "stuck_processing_timeout" {
				t.Fatalf("unexpected recovery reason: %v", e.Data["reason"])
			}
		}
	}
	if recoveries != 2 {
		t.Fatalf("expected 2 recovery audit events, got %d", recoveries)
	}
}

func TestClaimPreventsDoubleDelivery(t *testing.T) {
	outbound := newFakeOutboundStore()
	enqueueTestMessage(t, outbound, "m1", nil)
	ctx := context.Background()

	if _, claimed, _ := outbound.Claim(ctx, "m1"); !claimed {
		t.Fatal("first claim should succeed")
	}
	if _, claimed, _ := outbound.Claim(ctx, "m1"); claimed {
		t.Fatal("second claim must lose the race")
	}
}

func TestStartStopLoop(t *testing.T) {
	outbound := newFakeOutboundStore()
	mail := &fakeMailClient{}
	enqueueTestMessage(t, outbound, "m1", nil)

	w := newTestWorker(outbound, mail, newFakeAuditStore())
	w.interval = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Start(ctx)
	deadline := time.After(time.Second)
	for outbound.status("m1") != repository.MessageSent {
		select {
		case <-deadline:
			t.Fatal("worker did not deliver within a second")
		case <-time.After(5 * time.Millisecond):
		}
	}
	w.Stop()
}
