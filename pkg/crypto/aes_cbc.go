package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/pkg/errors"
	"github.com/zenazn/pkcs7pad"
)

var ErrMalformed = errors.New("malformed ciphertext")

// AesCbc encrypts with AES-CBC under a fresh random IV per message and
// authenticates the result with HMAC-SHA256 (encrypt-then-MAC). A message is
// IV, ciphertext and tag, in that order. Nothing is unpadded before the tag
// checks out.
type AesCbc struct {
	cipher cipher.Block
	macKey []byte
}

type AesCbcConfig struct {
	Key []byte
}

func NewAesCbc(cfg AesCbcConfig) (*AesCbc, error) {
	encKey := subkey(cfg.Key, "enc")
	if len(cfg.Key) < len(encKey) {
		encKey = encKey[:len(cfg.Key)]
	}

	cipher, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, errors.Wrap(err, "aes key")
	}

	return &AesCbc{
		cipher: cipher,
		macKey: subkey(cfg.Key, "mac"),
	}, nil
}

// subkey separates the encryption and the authentication key.
func subkey(key []byte, label string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(label))

	return mac.Sum(nil)
}

// KeyFromPassphrase derives an AES-128 key shared by everyone who knows the
// passphrase.
func KeyFromPassphrase(passphrase string) []byte {
	sum := sha256.Sum256([]byte(passphrase))

	return sum[:aes.BlockSize]
}

func (c *AesCbc) Encrypt(payload []byte) ([]byte, error) {
	size := c.cipher.BlockSize()
	payload = pkcs7pad.Pad(payload, size)

	encrypted := make([]byte, size+len(payload), size+len(payload)+sha256.Size)
	iv := encrypted[:size]

	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, errors.Wrap(err, "random iv")
	}

	encrypter := cipher.NewCBCEncrypter(c.cipher, iv)
	encrypter.CryptBlocks(encrypted[size:], payload)

	return append(encrypted, c.tag(encrypted)...), nil
}

func (c *AesCbc) Decrypt(payload []byte) ([]byte, error) {
	size := c.cipher.BlockSize()

	if len(payload) < 2*size+sha256.Size || (len(payload)-sha256.Size)%size != 0 {
		return nil, errors.Wrapf(ErrMalformed, "length %d", len(payload))
	}

	body, tag := payload[:len(payload)-sha256.Size], payload[len(payload)-sha256.Size:]

	if !hmac.Equal(tag, c.tag(body)) {
		return nil, errors.Wrap(ErrMalformed, "authentication failed")
	}

	decrypter := cipher.NewCBCDecrypter(c.cipher, body[:size])
	decrypted := make([]byte, len(body)-size)

	decrypter.CryptBlocks(decrypted, body[size:])

	unpadded, err := pkcs7pad.Unpad(decrypted)
	if err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}

	return unpadded, nil
}

func (c *AesCbc) tag(body []byte) []byte {
	mac := hmac.New(sha256.New, c.macKey)
	mac.Write(body)

	return mac.Sum(nil)
}
