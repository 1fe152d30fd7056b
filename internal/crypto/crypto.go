// Package crypto provides authenticated encryption for at-rest key
// material. Envelopes are AES-256-GCM with a per-record random nonce;
// the AES key is derived from the server secret with argon2id and a
// fixed versioned salt, so salt rotation only requires adding a version.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// kdfSalts maps algorithm version to its KDF salt. New versions append;
// decryption accepts any known version.
var kdfSalts = map[int][]byte{
	1: []byte("dyad-keyring-kdf-v1"),
}

// currentVersion is the version used for new envelopes.
const currentVersion = 1

const (
	keyLen    = 32 // AES-256
	nonceLen  = 12
	argonTime = 1
	argonMem  = 64 * 1024 // 64 MiB
	argonPar  = 4
)

// Envelope is the stored form of an encrypted record. GCM appends the
// auth tag to the ciphertext, so Ciphertext carries both.
type Envelope struct {
	Ciphertext  string `json:"ciphertext"`
	IV          string `json:"iv"`
	AlgoVersion int    `json:"algo_version"`
}

// Service encrypts and decrypts envelopes. Derived keys are computed
// once per version at construction; argon2id is too slow to run per record.
type Service struct {
	keys map[int][]byte
}

// NewService derives per-version AES keys from the server secret.
func NewService(secret string) (*Service, error) {
	if secret == "" {
		return nil, fmt.Errorf("encryption secret must not be empty")
	}
	keys := make(map[int][]byte, len(kdfSalts))
	for version, salt := range kdfSalts {
		keys[version] = argon2.IDKey([]byte(secret), salt, argonTime, argonMem, argonPar, keyLen)
	}
	return &Service{keys: keys}, nil
}

// Encrypt seals plaintext into an envelope at the current version.
func (s *Service) Encrypt(plaintext []byte) (*Envelope, error) {
	gcm, err := s.aead(currentVersion)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	ct := gcm.Seal(nil, nonce, plaintext, nil)
	return &Envelope{
		Ciphertext:  base64.StdEncoding.EncodeToString(ct),
		IV:          base64.StdEncoding.EncodeToString(nonce),
		AlgoVersion: currentVersion,
	}, nil
}

// Decrypt opens an envelope of any known version.
func (s *Service) Decrypt(env *Envelope) ([]byte, error) {
	gcm, err := s.aead(env.AlgoVersion)
	if err != nil {
		return nil, err
	}

	nonce, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, fmt.Errorf("decode iv: %w", err)
	}
	if len(nonce) != nonceLen {
		return nil, fmt.Errorf("invalid nonce length %d", len(nonce))
	}
	ct, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}

	pt, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return pt, nil
}

// EncryptToJSON seals plaintext and returns the envelope as JSON,
// the form stored in the KV store.
func (s *Service) EncryptToJSON(plaintext []byte) (string, error) {
	env, err := s.Encrypt(plaintext)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecryptFromJSON parses an envelope from JSON and opens it.
func (s *Service) DecryptFromJSON(data string) ([]byte, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	return s.Decrypt(&env)
}

func (s *Service) aead(version int) (cipher.AEAD, error) {
	key, ok := s.keys[version]
	if !ok {
		return nil, fmt.Errorf("unknown envelope version %d", version)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
