package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// ─── Backend Selection Tests ────────────────────────────────────────────────

func TestAccount_SelectedBackend(t *testing.T) {
	relay := SealedWallet{Kind: BackendRelay, Secret: "x"}
	invoice := SealedWallet{Kind: BackendInvoiceAPI, Secret: "y"}

	tests := []struct {
		name    string
		active  BackendKind
		wallets map[BackendKind]SealedWallet
		want    BackendKind
	}{
		{"none configured", BackendNone, nil, BackendNone},
		{"only invoice", BackendNone, map[BackendKind]SealedWallet{BackendInvoiceAPI: invoice}, BackendInvoiceAPI},
		{"relay preferred", BackendNone, map[BackendKind]SealedWallet{BackendInvoiceAPI: invoice, BackendRelay: relay}, BackendRelay},
		{"explicit active wins", BackendInvoiceAPI, map[BackendKind]SealedWallet{BackendInvoiceAPI: invoice, BackendRelay: relay}, BackendInvoiceAPI},
		{"active without credentials falls back", BackendInvoiceAPI, map[BackendKind]SealedWallet{BackendRelay: relay}, BackendRelay},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &Account{ActiveBackend: tt.active, Wallets: tt.wallets}
			if got := a.SelectedBackend(); got != tt.want {
				t.Errorf("SelectedBackend() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseBackendKind(t *testing.T) {
	for in, want := range map[string]BackendKind{
		"invoice_api": BackendInvoiceAPI,
		"lnbits":      BackendInvoiceAPI,
		"relay":       BackendRelay,
		"NWC":         BackendRelay,
	} {
		got, err := ParseBackendKind(in)
		if err != nil || got != want {
			t.Errorf("ParseBackendKind(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseBackendKind("paypal"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

// ─── Wallet Config Tests ────────────────────────────────────────────────────

func TestInvoiceAPIConfig_Validate(t *testing.T) {
	if err := (InvoiceAPIConfig{Endpoint: "https://wallet.example", APIKey: "k"}).Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
	if err := (InvoiceAPIConfig{Endpoint: "wallet.example", APIKey: "k"}).Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for bad endpoint, got %v", err)
	}
	if err := (InvoiceAPIConfig{Endpoint: "https://wallet.example"}).Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for missing key, got %v", err)
	}
}

func TestRelayConfig_Validate(t *testing.T) {
	ok := RelayConfig{WalletPubkey: "ab", RelayURL: "wss://r", Secret: "cd"}
	if err := ok.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
	missing := ok
	missing.Secret = ""
	if err := missing.Validate(); !errors.Is(err, ErrInvalidDescriptor) {
		t.Errorf("expected ErrInvalidDescriptor, got %v", err)
	}
}

// ─── Recurring Tests ────────────────────────────────────────────────────────

func TestRecurringObligation_Validate(t *testing.T) {
	tests := []struct {
		name string
		o    RecurringObligation
		ok   bool
	}{
		{"daily", RecurringObligation{Title: "Feed cat", Frequency: FrequencyDaily, TimeOfDay: "08:00"}, true},
		{"weekly bad day", RecurringObligation{Title: "Trash", Frequency: FrequencyWeekly, DayOfWeek: 9}, false},
		{"monthly", RecurringObligation{Title: "Room", Frequency: FrequencyMonthly, DayOfMonth: 15}, true},
		{"bad time", RecurringObligation{Title: "Dishes", Frequency: FrequencyDaily, TimeOfDay: "25:00"}, false},
		{"no title", RecurringObligation{Frequency: FrequencyDaily}, false},
		{"unknown frequency", RecurringObligation{Title: "x", Frequency: "hourly"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.o.Validate()
			if (err == nil) != tt.ok {
				t.Errorf("Validate() = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

// ─── Milestone Tests ────────────────────────────────────────────────────────

func TestMilestonesReached(t *testing.T) {
	ladder := DefaultMilestones()
	tests := []struct {
		count int
		want  []int
	}{
		{9, nil},
		{10, []int{10}},
		{11, []int{10}},
		{30, []int{10, 25}},
	}
	for _, tt := range tests {
		got := MilestonesReached(ladder, tt.count)
		if len(got) != len(tt.want) {
			t.Errorf("MilestonesReached(%d) = %+v, want thresholds %v", tt.count, got, tt.want)
			continue
		}
		for i, m := range got {
			if m.Tasks != tt.want[i] {
				t.Errorf("MilestonesReached(%d)[%d] = %d, want %d", tt.count, i, m.Tasks, tt.want[i])
			}
		}
	}
	if got := MilestonesReached([]Milestone{{Tasks: 5, BonusSats: 0}}, 5); len(got) != 0 {
		t.Errorf("zero-bonus milestone reached: %+v", got)
	}
	next, ok := NextMilestone(ladder, 10)
	if !ok || next.Tasks != 25 {
		t.Errorf("NextMilestone(10) = %+v, %v", next, ok)
	}
	if _, ok := NextMilestone(ladder, 1000); ok {
		t.Error("no milestone expected beyond the ladder")
	}
}

// ─── Error Tests ────────────────────────────────────────────────────────────

func TestPaymentBackendError_Unwrap(t *testing.T) {
	err := NewBackendError(BackendInvoiceAPI, "pay_invoice", context.DeadlineExceeded)
	wrapped := fmt.Errorf("approve: %w", err)

	if !IsBackendError(wrapped) {
		t.Fatal("wrapped backend error not detected")
	}
	if !errors.Is(wrapped, context.DeadlineExceeded) {
		t.Error("cause should be reachable through errors.Is")
	}
	if err.Error() == "" {
		t.Error("Error() is empty")
	}
}

func TestFiatValue(t *testing.T) {
	got := FiatValue(1500, 60000)
	want := 0.9
	if got < want-1e-9 || got > want+1e-9 {
		t.Errorf("FiatValue(1500, 60000) = %f, want %f", got, want)
	}
}

func TestFixedClock(t *testing.T) {
	now := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	var c Clock = FixedClock{T: now}
	if !c.Now().Equal(now) {
		t.Errorf("Now() = %v, want %v", c.Now(), now)
	}
}
