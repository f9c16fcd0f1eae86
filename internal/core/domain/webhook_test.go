package domain

import (
	"testing"
	"time"
)

func TestRetrySchedule_Delay(t *testing.T) {
	s := RetrySchedule{
		60 * time.Second, 120 * time.Second, 240 * time.Second, 480 * time.Second, 960 * time.Second,
	}

	want := []time.Duration{60 * time.Second, 120 * time.Second, 240 * time.Second, 480 * time.Second, 960 * time.Second}
	var prev time.Duration
	for attempt := 1; attempt <= 5; attempt++ {
		got := s.Delay(attempt)
		if got != want[attempt-1] {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, want[attempt-1])
		}
		if got < prev {
			t.Errorf("Delay(%d) = %v is below previous %v", attempt, got, prev)
		}
		prev = got
	}

	if got := s.Delay(0); got != 60*time.Second {
		t.Errorf("Delay(0) should clamp to first entry, got %v", got)
	}
	if got := s.Delay(9); got != 960*time.Second {
		t.Errorf("Delay(9) should clamp to last entry, got %v", got)
	}
}

func TestRetrySchedule_IsDue(t *testing.T) {
	s := RetrySchedule{time.Minute, 2 * time.Minute}
	base := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name    string
		attempt WebhookAttempt
		now     time.Time
		due     bool
	}{
		{"first attempt pending is due immediately", WebhookAttempt{Attempts: 1, State: AttemptPending, LastAttemptAt: base}, base, true},
		{"second attempt before backoff", WebhookAttempt{Attempts: 2, State: AttemptPending, LastAttemptAt: base}, base.Add(59 * time.Second), false},
		{"second attempt after backoff", WebhookAttempt{Attempts: 2, State: AttemptPending, LastAttemptAt: base}, base.Add(time.Minute), true},
		{"third attempt uses second entry", WebhookAttempt{Attempts: 3, State: AttemptPending, LastAttemptAt: base}, base.Add(90 * time.Second), false},
		{"delivered never due", WebhookAttempt{Attempts: 1, State: AttemptDelivered, LastAttemptAt: base}, base.Add(time.Hour), false},
		{"fresh sending not due", WebhookAttempt{Attempts: 1, State: AttemptSending, LastAttemptAt: base}, base.Add(time.Minute), false},
		{"stale sending due", WebhookAttempt{Attempts: 1, State: AttemptSending, LastAttemptAt: base}, base.Add(StaleSendingAfter), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.IsDue(&tt.attempt, tt.now); got != tt.due {
				t.Errorf("IsDue = %v, want %v", got, tt.due)
			}
		})
	}
}

func TestInvoiceStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to InvoiceStatus
		ok       bool
	}{
		{InvoiceUnpaid, InvoicePaid, true},
		{InvoiceUnpaid, InvoiceExpired, true},
		{InvoiceUnpaid, InvoiceCanceled, true},
		{InvoicePaid, InvoiceRefunded, true},
		{InvoicePaid, InvoiceUnpaid, false},
		{InvoicePaid, InvoiceExpired, false},
		{InvoiceRefunded, InvoiceUnpaid, false},
		{InvoiceExpired, InvoicePaid, false},
		{InvoiceCanceled, InvoiceUnpaid, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.ok {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestConfirmations(t *testing.T) {
	if got := Confirmations(100, 96); got != 5 {
		t.Errorf("expected 5 confirmations, got %d", got)
	}
	if got := Confirmations(101, 96); got != 6 {
		t.Errorf("expected 6 confirmations, got %d", got)
	}
	if got := Confirmations(100, 101); got != 0 {
		t.Errorf("expected 0 confirmations above tip, got %d", got)
	}
}
