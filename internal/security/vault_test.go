package security

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/satsjar/satsjar/internal/domain"
)

func TestVault_RoundTrip(t *testing.T) {
	v := NewVault("test-master-secret")
	inputs := []string{
		"",
		"sk-123",
		`{"endpoint":"https://wallet.example","api_key":"abc"}`,
		strings.Repeat("λ", 500),
	}
	for _, in := range inputs {
		sealed, err := v.Seal(in)
		if err != nil {
			t.Fatalf("Seal(%q) error: %v", in, err)
		}
		if in != "" && sealed == in {
			t.Fatal("expected encrypted output")
		}
		got, err := v.Unseal(sealed)
		if err != nil {
			t.Fatalf("Unseal() error: %v", err)
		}
		if got != in {
			t.Errorf("Unseal(Seal(%q)) = %q", in, got)
		}
	}
}

func TestVault_SealIsRandomized(t *testing.T) {
	v := NewVault("k")
	a, _ := v.Seal("same")
	b, _ := v.Seal("same")
	if a == b {
		t.Error("two seals of the same plaintext should differ (random salt + nonce)")
	}
}

func TestVault_TamperEveryByteFails(t *testing.T) {
	v := NewVault("test-master-secret")
	sealed, err := v.Seal("lnbits-admin-key")
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := base64.StdEncoding.DecodeString(sealed)

	for i := range raw {
		mutated := make([]byte, len(raw))
		copy(mutated, raw)
		mutated[i] ^= 0x01
		out, err := v.Unseal(base64.StdEncoding.EncodeToString(mutated))
		if err == nil {
			t.Fatalf("byte %d tampered: Unseal returned %q without error", i, out)
		}
		if !errors.Is(err, domain.ErrCredentialsUnusable) {
			t.Fatalf("byte %d: error %v should wrap ErrCredentialsUnusable", i, err)
		}
		if out != "" {
			t.Fatalf("byte %d: partial plaintext leaked: %q", i, out)
		}
	}
}

func TestVault_WrongMasterKey(t *testing.T) {
	sealed, _ := NewVault("key-one").Seal("secret")
	_, err := NewVault("key-two").Unseal(sealed)
	if !IsUnsealError(err) {
		t.Fatalf("expected *UnsealError, got %v", err)
	}
}

func TestVault_RejectsGarbage(t *testing.T) {
	v := NewVault("k")
	for _, in := range []string{"not-base64!!", "c2hvcnQ=", ""} {
		if _, err := v.Unseal(in); !IsUnsealError(err) {
			t.Errorf("Unseal(%q) = %v, want *UnsealError", in, err)
		}
	}
}

func TestVault_DevFallback(t *testing.T) {
	v := NewVault("")
	if !v.Insecure() {
		t.Error("empty master secret should select the insecure fallback")
	}
	sealed, err := v.Seal("x")
	if err != nil {
		t.Fatal(err)
	}
	if got, err := NewVault(DevMasterKey).Unseal(sealed); err != nil || got != "x" {
		t.Errorf("fallback key mismatch: %q, %v", got, err)
	}
	if NewVault("real").Insecure() {
		t.Error("configured vault should not be insecure")
	}
}

func TestLooksSealed(t *testing.T) {
	v := NewVault("k")
	sealed, _ := v.Seal("")
	if !LooksSealed(sealed) {
		t.Error("sealed empty string should look sealed")
	}
	for _, plain := range []string{"", "sk-123", `{"api_key":"abc","endpoint":"https://x"}`} {
		if LooksSealed(plain) {
			t.Errorf("LooksSealed(%q) = true, want false", plain)
		}
	}
}
