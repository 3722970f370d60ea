package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Delimiter separates the key id from the sealed payload.
const Delimiter = '$'

const (
	keyLen     = 32 // AES-256
	iterations = 100_000
)

var (
	ErrUnknownKey = errors.New("crypto: unknown key id")
	ErrMalformed  = errors.New("crypto: malformed ciphertext")
	ErrDecrypt    = errors.New("crypto: decryption failed")
)

// Keyring encrypts with the current key and decrypts with any key it was built with.
// Ciphertext layout: keyID '$' nonce sealed.
type Keyring struct {
	current string
	aeads   map[string]cipher.AEAD
}

// NewKeyring derives one AES-GCM key per secret using PBKDF2-SHA256 over the shared salt.
func NewKeyring(secrets map[string]string, current, salt string) (*Keyring, error) {
	if len(secrets) == 0 {
		return nil, errors.New("crypto: no keys configured")
	}
	if _, ok := secrets[current]; !ok {
		return nil, fmt.Errorf("crypto: current key %q is not configured", current)
	}

	k := &Keyring{current: current, aeads: make(map[string]cipher.AEAD, len(secrets))}
	for id, secret := range secrets {
		if id == "" || strings.ContainsRune(id, Delimiter) {
			return nil, fmt.Errorf("crypto: invalid key id %q", id)
		}
		if secret == "" {
			return nil, fmt.Errorf("crypto: empty secret for key %q", id)
		}
		key := pbkdf2.Key([]byte(secret), []byte(salt), iterations, keyLen, sha256.New)
		aead, err := newGCM(key)
		if err != nil {
			return nil, fmt.Errorf("crypto: key %q: %w", id, err)
		}
		k.aeads[id] = aead
	}
	return k, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (k *Keyring) CurrentKeyID() string { return k.current }

// KeyIDs returns the configured key ids in sorted order.
func (k *Keyring) KeyIDs() []string {
	out := make([]string, 0, len(k.aeads))
	for id := range k.aeads {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (k *Keyring) Encrypt(plain []byte) ([]byte, error) {
	aead := k.aeads[k.current]
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}

	out := make([]byte, 0, len(k.current)+1+len(nonce)+len(plain)+aead.Overhead())
	out = append(out, k.current...)
	out = append(out, Delimiter)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plain, nil), nil
}

func (k *Keyring) Decrypt(data []byte) ([]byte, error) {
	id, payload, err := k.split(data)
	if err != nil {
		return nil, err
	}
	aead, ok := k.aeads[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, id)
	}

	ns := aead.NonceSize()
	if len(payload) < ns+aead.Overhead() {
		return nil, ErrMalformed
	}
	plain, err := aead.Open(nil, payload[:ns], payload[ns:], nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}

// KeyID reports which key sealed data without decrypting it.
func (k *Keyring) KeyID(data []byte) (string, error) {
	id, _, err := k.split(data)
	return id, err
}

func (k *Keyring) split(data []byte) (string, []byte, error) {
	i := bytes.IndexByte(data, Delimiter)
	if i <= 0 {
		return "", nil, ErrMalformed
	}
	return string(data[:i]), data[i+1:], nil
}

func (k *Keyring) EncryptString(s string) ([]byte, error) {
	return k.Encrypt([]byte(s))
}

func (k *Keyring) DecryptString(data []byte) (string, error) {
	b, err := k.Decrypt(data)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
