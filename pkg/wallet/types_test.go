package wallet

import (
	"errors"
	"testing"
)

func TestNewUserID(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		input   string
		wantErr error
		wantVal string
	}{
		{name: "valid", input: " user-123 ", wantVal: "user-123"},
		{name: "empty", input: "   ", wantErr: ErrInvalidUserID},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			result, err := NewUserID(tc.input)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected error %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.String() != tc.wantVal {
				t.Fatalf("expected %q, got %q", tc.wantVal, result.String())
			}
		})
	}
}

func TestNewMerchantReference(t *testing.T) {
	t.Parallel()
	_, err := NewMerchantReference("  ")
	if !errors.Is(err, ErrInvalidMerchantReference) {
		t.Fatalf("expected ErrInvalidMerchantReference, got %v", err)
	}
}

func TestNewCoinAmount(t *testing.T) {
	t.Parallel()
	_, err := NewCoinAmount(0)
	if !errors.Is(err, ErrInvalidCoinAmount) {
		t.Fatalf("expected ErrInvalidCoinAmount, got %v", err)
	}
	value, err := NewCoinAmount(550)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value.Int64() != 550 {
		t.Fatalf("expected 550, got %d", value.Int64())
	}
}

func TestNewMetadataJSON(t *testing.T) {
	t.Parallel()
	meta, err := NewMetadataJSON("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.String() != "{}" {
		t.Fatalf("expected default metadata to be '{}', got %q", meta.String())
	}
	_, err = NewMetadataJSON("not-json")
	if !errors.Is(err, ErrInvalidMetadataJSON) {
		t.Fatalf("expected ErrInvalidMetadataJSON, got %v", err)
	}
}

func TestParseTransactionStatus(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"PENDING", "COMPLETED", "FAILED"} {
		status, err := ParseTransactionStatus(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if status.String() != raw {
			t.Fatalf("expected %q, got %q", raw, status.String())
		}
	}
	if _, err := ParseTransactionStatus("SETTLED"); !errors.Is(err, ErrInvalidTransactionStatus) {
		t.Fatalf("expected ErrInvalidTransactionStatus, got %v", err)
	}
}

func TestTransactionStatusTerminal(t *testing.T) {
	t.Parallel()
	if TransactionPending.Terminal() {
		t.Fatalf("pending must not be terminal")
	}
	if !TransactionCompleted.Terminal() || !TransactionFailed.Terminal() {
		t.Fatalf("completed and failed must be terminal")
	}
}

func TestParseDebitPolicy(t *testing.T) {
	t.Parallel()
	if _, err := ParseDebitPolicy("clamp"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := ParseDebitPolicy("reject"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := ParseDebitPolicy("panic"); !errors.Is(err, ErrInvalidServiceConfig) {
		t.Fatalf("expected ErrInvalidServiceConfig, got %v", err)
	}
}
