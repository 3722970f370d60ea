package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	k, err := NewKeyring(map[string]string{"k1": "secret-one"}, "k1", "salt")
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}

	ct, err := k.Encrypt([]byte("hello world"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if !bytes.HasPrefix(ct, []byte("k1$")) {
		t.Fatalf("expected key id prefix, got %q", ct[:4])
	}
	if bytes.Contains(ct, []byte("hello world")) {
		t.Fatalf("plaintext leaked into ciphertext")
	}

	pt, err := k.Decrypt(ct)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(pt) != "hello world" {
		t.Fatalf("unexpected plaintext: %q", pt)
	}
}

func TestDecrypt_AfterRotation(t *testing.T) {
	old, err := NewKeyring(map[string]string{"2024": "old-secret"}, "2024", "salt")
	if err != nil {
		t.Fatalf("old keyring: %v", err)
	}
	ct, err := old.EncryptString("historic message")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	rotated, err := NewKeyring(map[string]string{
		"2024": "old-secret",
		"2025": "new-secret",
	}, "2025", "salt")
	if err != nil {
		t.Fatalf("rotated keyring: %v", err)
	}

	got, err := rotated.DecryptString(ct)
	if err != nil {
		t.Fatalf("decrypt historic: %v", err)
	}
	if got != "historic message" {
		t.Fatalf("unexpected plaintext: %q", got)
	}

	fresh, err := rotated.EncryptString("new message")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if id, _ := rotated.KeyID(fresh); id != "2025" {
		t.Fatalf("expected new ciphertext under current key, got %q", id)
	}
}

func TestDecrypt_Errors(t *testing.T) {
	k, err := NewKeyring(map[string]string{"a": "secret"}, "a", "salt")
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}

	if _, err := k.Decrypt([]byte("no-delimiter")); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if _, err := k.Decrypt([]byte("zz$0123456789abcdef0123456789")); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
	if _, err := k.Decrypt([]byte("a$short")); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for short payload, got %v", err)
	}

	ct, _ := k.Encrypt([]byte("payload"))
	ct[len(ct)-1] ^= 0xff
	if _, err := k.Decrypt(ct); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt on tampered data, got %v", err)
	}

	// a different salt derives a different key under the same id
	other, _ := NewKeyring(map[string]string{"a": "secret"}, "a", "other-salt")
	good, _ := k.Encrypt([]byte("payload"))
	if _, err := other.Decrypt(good); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt with other salt, got %v", err)
	}
}

func TestNewKeyring_Validation(t *testing.T) {
	if _, err := NewKeyring(nil, "a", "s"); err == nil {
		t.Fatalf("expected error for empty keyring")
	}
	if _, err := NewKeyring(map[string]string{"a": "x"}, "b", "s"); err == nil {
		t.Fatalf("expected error for missing current key")
	}
	if _, err := NewKeyring(map[string]string{"a$b": "x"}, "a$b", "s"); err == nil {
		t.Fatalf("expected error for delimiter in key id")
	}
}
