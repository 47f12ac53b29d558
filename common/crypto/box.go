package crypto

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Box seals JSON-serialisable values into opaque base64 strings and opens
// them again. Opening never fails loudly: corrupted, truncated or foreign
// ciphertext simply yields "absent".
//
// A Box is safe for concurrent use.
type Box struct {
	key []byte
}

// NewBox returns a Box using key directly. Use DeriveKey to obtain key from
// the master key.
func NewBox(key []byte) (*Box, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	k := make([]byte, KeySize)
	copy(k, key)
	return &Box{key: k}, nil
}

// Seal JSON-encodes v, encrypts it and returns the base64 ciphertext.
func (b *Box) Seal(v any) (string, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("box: marshal: %w", err)
	}
	ciphertext, err := Encrypt(b.key, plaintext, nil)
	if err != nil {
		return "", fmt.Errorf("box: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// OpenRaw decrypts s and returns the JSON plaintext. ok is false for any
// failure, including an empty input.
func (b *Box) OpenRaw(s string) (plaintext []byte, ok bool) {
	if s == "" {
		return nil, false
	}
	ciphertext, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, false
	}
	plaintext, err = Decrypt(b.key, ciphertext, nil)
	if err != nil {
		return nil, false
	}
	return plaintext, true
}

// Open decrypts s and decodes it into a T. The zero T and false are returned
// when s is empty, malformed, sealed under another key, or not a T.
func Open[T any](b *Box, s string) (T, bool) {
	var v T
	plaintext, ok := b.OpenRaw(s)
	if !ok {
		return v, false
	}
	if err := json.Unmarshal(plaintext, &v); err != nil {
		var zero T
		return zero, false
	}
	return v, true
}
