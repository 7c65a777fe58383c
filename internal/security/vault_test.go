package security

import (
	"errors"
	"strings"
	"testing"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestVault_SealOpenRoundTrip(t *testing.T) {
	v, err := NewVault(testSecret)
	if err != nil {
		t.Fatal(err)
	}

	creds := map[string]string{"bot_token": "123:abc", "signing_secret": "s3cr3t"}
	sealed, err := v.Seal(creds)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(sealed, "123:abc") {
		t.Fatal("sealed output leaks plaintext")
	}

	got, err := v.Open(sealed)
	if err != nil {
		t.Fatal(err)
	}
	if got["bot_token"] != "123:abc" || got["signing_secret"] != "s3cr3t" {
		t.Errorf("unexpected credentials: %v", got)
	}
}

func TestVault_DistinctCiphertexts(t *testing.T) {
	v, _ := NewVault(testSecret)
	a, _ := v.Seal(map[string]string{"k": "v"})
	b, _ := v.Seal(map[string]string{"k": "v"})
	if a == b {
		t.Error("two seals of the same value should differ")
	}
}

func TestVault_WrongKey(t *testing.T) {
	v1, _ := NewVault(testSecret)
	v2, _ := NewVault(strings.Repeat("z", 40))

	sealed, _ := v1.Seal(map[string]string{"k": "v"})
	if _, err := v2.Open(sealed); err == nil {
		t.Fatal("expected decryption failure with another key")
	}
}

func TestVault_RejectsShortKey(t *testing.T) {
	if _, err := NewVault("short"); !errors.Is(err, ErrWeakKey) {
		t.Errorf("expected ErrWeakKey, got %v", err)
	}
}

func TestVault_OpenEdgeCases(t *testing.T) {
	v, _ := NewVault(testSecret)

	got, err := v.Open("")
	if err != nil || len(got) != 0 {
		t.Errorf("empty input: got %v, %v", got, err)
	}
	if _, err := v.Open("not base64!"); err == nil {
		t.Error("expected decode error")
	}
	if _, err := v.Open("AAAA"); err == nil {
		t.Error("expected short input error")
	}
}
