package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/argon2"
)

const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	argonKeyLen  = 32

	saltLen        = 16
	minSecretChars = 32
)

var ErrWeakKey = errors.New("encryption key must be at least 32 characters")

// Vault seals channel credentials. The sealed form is
// base64(salt | nonce | AES-256-GCM ciphertext) with the key derived from the
// configured secret by Argon2id.
type Vault struct {
	secret []byte

	mu   sync.Mutex
	keys map[string][]byte // salt -> derived key
}

func NewVault(secret string) (*Vault, error) {
	if len(secret) < minSecretChars {
		return nil, ErrWeakKey
	}
	return &Vault{secret: []byte(secret), keys: make(map[string][]byte)}, nil
}

func (v *Vault) key(salt []byte) []byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	if k, ok := v.keys[string(salt)]; ok {
		return k
	}
	k := argon2.IDKey(v.secret, salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	v.keys[string(salt)] = k
	return k
}

// Seal encrypts a credential map.
func (v *Vault) Seal(creds map[string]string) (string, error) {
	plain, err := json.Marshal(creds)
	if err != nil {
		return "", fmt.Errorf("encode credentials: %w", err)
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	gcm, err := newGCM(v.key(salt))
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	out := make([]byte, 0, saltLen+len(nonce)+len(plain)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, plain, nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts a value produced by Seal. An empty string opens to an empty map.
func (v *Vault) Open(sealed string) (map[string]string, error) {
	creds := map[string]string{}
	if sealed == "" {
		return creds, nil
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("decoding credentials: %w", err)
	}
	if len(raw) < saltLen {
		return nil, errors.New("sealed credentials too short")
	}
	salt := raw[:saltLen]
	gcm, err := newGCM(v.key(salt))
	if err != nil {
		return nil, err
	}
	rest := raw[saltLen:]
	if len(rest) < gcm.NonceSize() {
		return nil, errors.New("sealed credentials too short")
	}
	nonce, ct := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plain, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed (wrong key?): %w", err)
	}
	if err := json.Unmarshal(plain, &creds); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	return creds, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}
