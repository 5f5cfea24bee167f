package crypto

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
)

func TestEncryptDecrypt(t *testing.T) {
	c, err := NewAesCbc(AesCbcConfig{Key: KeyFromPassphrase("secret")})
	if err != nil {
		t.Fatal(err)
	}

	for _, payload := range [][]byte{nil, []byte("x"), bytes.Repeat([]byte("0123456789abcdef"), 3)} {
		encrypted, err := c.Encrypt(payload)
		if err != nil {
			t.Fatal(err)
		}

		decrypted, err := c.Decrypt(encrypted)
		if err != nil {
			t.Fatalf("Decrypt(%q): %v", payload, err)
		}

		if !bytes.Equal(decrypted, payload) {
			t.Fatalf("got %q, want %q", decrypted, payload)
		}
	}
}

func TestFreshIVPerMessage(t *testing.T) {
	c, err := NewAesCbc(AesCbcConfig{Key: KeyFromPassphrase("secret")})
	if err != nil {
		t.Fatal(err)
	}

	a, _ := c.Encrypt([]byte("same"))
	b, _ := c.Encrypt([]byte("same"))

	if bytes.Equal(a, b) {
		t.Fatal("equal plaintexts gave equal ciphertexts")
	}
}

func TestDecryptMalformed(t *testing.T) {
	c, err := NewAesCbc(AesCbcConfig{Key: KeyFromPassphrase("secret")})
	if err != nil {
		t.Fatal(err)
	}

	for _, payload := range [][]byte{nil, make([]byte, 16), make([]byte, 33)} {
		if _, err := c.Decrypt(payload); !errors.Is(err, ErrMalformed) {
			t.Errorf("Decrypt(%d bytes): got %v, want ErrMalformed", len(payload), err)
		}
	}
}

func TestKeyFromPassphrase(t *testing.T) {
	if len(KeyFromPassphrase("a")) != 16 {
		t.Fatal("want a 16 byte key")
	}

	if bytes.Equal(KeyFromPassphrase("a"), KeyFromPassphrase("b")) {
		t.Fatal("different passphrases gave the same key")
	}
}

func TestTamperedMessageRejected(t *testing.T) {
	c, err := NewAesCbc(AesCbcConfig{Key: KeyFromPassphrase("secret")})
	if err != nil {
		t.Fatal(err)
	}

	other, err := NewAesCbc(AesCbcConfig{Key: KeyFromPassphrase("other")})
	if err != nil {
		t.Fatal(err)
	}

	encrypted, err := c.Encrypt([]byte("v=0 offer"))
	if err != nil {
		t.Fatal(err)
	}

	// IV, last ciphertext block and tag.
	for _, i := range []int{0, len(encrypted) - 33, len(encrypted) - 1} {
		tampered := append([]byte(nil), encrypted...)
		tampered[i] ^= 1

		if _, err := c.Decrypt(tampered); !errors.Is(err, ErrMalformed) {
			t.Errorf("byte %d flipped: got %v, want ErrMalformed", i, err)
		}
	}

	if _, err := other.Decrypt(encrypted); !errors.Is(err, ErrMalformed) {
		t.Fatalf("wrong key: got %v, want ErrMalformed", err)
	}
}
