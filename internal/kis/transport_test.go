package kis

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"strings"
	"testing"
)

// encryptPayload mirrors the upstream's AES-CBC encoding so decryption can
// be exercised against a known plaintext.
func encryptPayload(t *testing.T, key, iv, plaintext string) string {
	t.Helper()

	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		t.Fatalf("cipher setup failed: %v", err)
	}

	pad := block.BlockSize() - len(plaintext)%block.BlockSize()
	padded := append([]byte(plaintext), make([]byte, pad)...)
	for i := len(plaintext); i < len(padded); i++ {
		padded[i] = byte(pad)
	}

	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, []byte(iv)).CryptBlocks(out, padded)
	return base64.StdEncoding.EncodeToString(out)
}

func TestDecryptRoundTrip(t *testing.T) {
	key := "0123456789abcdef"
	iv := "fedcba9876543210"
	plaintext := "005930^093015^71900^5^-600"

	c := &Conn{aesKey: key, aesIV: iv}
	got, err := c.decrypt(encryptPayload(t, key, iv, plaintext))
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if got != plaintext {
		t.Errorf("decrypt returned %q, want %q", got, plaintext)
	}
}

func TestDecryptShortIV(t *testing.T) {
	// An iv shorter than the cipher block must be rejected, not sliced.
	c := &Conn{aesKey: "0123456789abcdef", aesIV: "short"}

	payload := base64.StdEncoding.EncodeToString(make([]byte, aes.BlockSize))
	if _, err := c.decrypt(payload); err == nil {
		t.Fatal("expected an error for a short iv")
	} else if !strings.Contains(err.Error(), "iv length") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestDecryptRejectsBadInput(t *testing.T) {
	key := "0123456789abcdef"
	iv := "fedcba9876543210"

	c := &Conn{aesKey: key, aesIV: iv}
	if _, err := c.decrypt("not-base64!!"); err == nil {
		t.Error("expected an error for non-base64 payload")
	}

	// Truncated ciphertext is not a whole number of blocks.
	short := base64.StdEncoding.EncodeToString([]byte("abc"))
	if _, err := c.decrypt(short); err == nil {
		t.Error("expected an error for a partial block")
	}

	// No cipher material yet.
	empty := &Conn{}
	if _, err := empty.decrypt("aGVsbG8="); err == nil {
		t.Error("expected an error before key material arrives")
	}
}
