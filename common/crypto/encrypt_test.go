package crypto_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/bdobrica/Kakeibo/common/crypto"
)

func makeKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, crypto.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestEncryptDecrypt_Roundtrip(t *testing.T) {
	key := makeKey(t)
	plaintext := []byte(`{"id":"default","messages":[]}`)

	ciphertext, err := crypto.Encrypt(key, plaintext, nil)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Contains(ciphertext, plaintext) {
		t.Fatal("ciphertext should not contain plaintext")
	}

	recovered, err := crypto.Decrypt(key, ciphertext, nil)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(recovered, plaintext) {
		t.Errorf("recovered %q, want %q", recovered, plaintext)
	}
}

func TestEncrypt_NonDeterministic(t *testing.T) {
	key := makeKey(t)

	c1, err := crypto.Encrypt(key, []byte("same plaintext"), nil)
	if err != nil {
		t.Fatalf("first Encrypt: %v", err)
	}
	c2, err := crypto.Encrypt(key, []byte("same plaintext"), nil)
	if err != nil {
		t.Fatalf("second Encrypt: %v", err)
	}
	if bytes.Equal(c1, c2) {
		t.Error("two encryptions of same plaintext produced identical ciphertext (nonce not random)")
	}
}

func TestEncrypt_InvalidKeySize(t *testing.T) {
	cases := []struct {
		name string
		key  []byte
	}{
		{"empty", []byte{}},
		{"16-byte", make([]byte, 16)},
		{"33-byte", make([]byte, 33)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := crypto.Encrypt(tc.key, []byte("data"), nil); err == nil {
				t.Fatal("expected error for invalid key size, got nil")
			}
		})
	}
}

func TestDecrypt_AADMismatch(t *testing.T) {
	key := makeKey(t)

	ciphertext, err := crypto.Encrypt(key, []byte("bound"), []byte("scope-a"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := crypto.Decrypt(key, ciphertext, []byte("scope-b")); err == nil {
		t.Fatal("expected authentication failure for mismatched aad")
	}
}

func TestDecrypt_TamperedCiphertext(t *testing.T) {
	key := makeKey(t)

	ciphertext, err := crypto.Encrypt(key, []byte("tamper test"), nil)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	ciphertext[len(ciphertext)-1] ^= 0xFF

	if _, err := crypto.Decrypt(key, ciphertext, nil); err == nil {
		t.Fatal("expected authentication failure for tampered ciphertext, got nil")
	}
}

func TestDecrypt_TooShort(t *testing.T) {
	if _, err := crypto.Decrypt(makeKey(t), []byte("short"), nil); err == nil {
		t.Fatal("expected error for too-short ciphertext, got nil")
	}
}

func TestParseMasterKey(t *testing.T) {
	valid := strings.Repeat("ab", crypto.KeySize)

	key, err := crypto.ParseMasterKey("  " + valid + "\n")
	if err != nil {
		t.Fatalf("ParseMasterKey: %v", err)
	}
	if len(key) != crypto.KeySize {
		t.Errorf("key length = %d, want %d", len(key), crypto.KeySize)
	}

	for _, bad := range []string{"", "zz", strings.Repeat("ab", 16)} {
		if _, err := crypto.ParseMasterKey(bad); err == nil {
			t.Errorf("ParseMasterKey(%q): expected error", bad)
		}
	}
}

func TestDeriveKey(t *testing.T) {
	master := makeKey(t)

	k1, err := crypto.DeriveKey(master, crypto.InfoConversations)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	k2, err := crypto.DeriveKey(master, crypto.InfoConversations)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if !bytes.Equal(k1, k2) {
		t.Error("derivation should be deterministic")
	}
	if bytes.Equal(k1, master) {
		t.Error("derived key must differ from the master key")
	}

	other, err := crypto.DeriveKey(master, []byte("kakeibo.other.v1"))
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if bytes.Equal(k1, other) {
		t.Error("different info strings should derive different keys")
	}

	if _, err := crypto.DeriveKey([]byte("short"), crypto.InfoConversations); err == nil {
		t.Error("expected error for short master key")
	}
}
