package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// Key sizes
	KeySize   = 32 // AES-256
	NonceSize = 12 // GCM standard
	TagSize   = 16 // GCM tag

	// PBKDF2 parameters for passphrase-derived sync keys
	DefaultIterations = 100000

	hkdfInfo = "recsync/v1/keybundle"
)

// Errors
var (
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrInvalidKey        = errors.New("invalid key size")
	ErrDecryptionFailed  = errors.New("decryption failed")
	ErrHMACMismatch      = errors.New("envelope hmac mismatch")
)

// KeyBundle is an encryption key plus the key used to authenticate envelopes.
type KeyBundle struct {
	EncryptionKey []byte
	HMACKey       []byte
}

// Validate checks key sizes.
func (kb *KeyBundle) Validate() error {
	if kb == nil || len(kb.EncryptionKey) != KeySize || len(kb.HMACKey) != KeySize {
		return ErrInvalidKey
	}
	return nil
}

// Equal reports whether both bundles hold the same keys.
func (kb *KeyBundle) Equal(other *KeyBundle) bool {
	if kb == nil || other == nil {
		return kb == other
	}
	return hmac.Equal(kb.EncryptionKey, other.EncryptionKey) && hmac.Equal(kb.HMACKey, other.HMACKey)
}

// MarshalJSON encodes the bundle as a pair of base64 strings.
func (kb *KeyBundle) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{
		base64.StdEncoding.EncodeToString(kb.EncryptionKey),
		base64.StdEncoding.EncodeToString(kb.HMACKey),
	})
}

func (kb *KeyBundle) UnmarshalJSON(data []byte) error {
	var pair [2]string
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("decode key bundle: %w", err)
	}

	enc, err := base64.StdEncoding.DecodeString(pair[0])
	if err != nil {
		return fmt.Errorf("decode encryption key: %w", err)
	}
	mac, err := base64.StdEncoding.DecodeString(pair[1])
	if err != nil {
		return fmt.Errorf("decode hmac key: %w", err)
	}

	kb.EncryptionKey, kb.HMACKey = enc, mac
	return kb.Validate()
}

// GenerateKeyBundle creates a random bundle.
func GenerateKeyBundle() (*KeyBundle, error) {
	kb := &KeyBundle{
		EncryptionKey: make([]byte, KeySize),
		HMACKey:       make([]byte, KeySize),
	}
	if _, err := io.ReadFull(rand.Reader, kb.EncryptionKey); err != nil {
		return nil, fmt.Errorf("generate encryption key: %w", err)
	}
	if _, err := io.ReadFull(rand.Reader, kb.HMACKey); err != nil {
		return nil, fmt.Errorf("generate hmac key: %w", err)
	}
	return kb, nil
}

// DeriveKeyBundle expands a secret into a bundle with HKDF-SHA256. The
// username salts the derivation so equal secrets on different accounts
// yield different keys.
func DeriveKeyBundle(secret []byte, username string) (*KeyBundle, error) {
	if len(secret) == 0 {
		return nil, ErrInvalidKey
	}

	r := hkdf.New(sha256.New, secret, []byte(username), []byte(hkdfInfo))
	kb := &KeyBundle{
		EncryptionKey: make([]byte, KeySize),
		HMACKey:       make([]byte, KeySize),
	}
	if _, err := io.ReadFull(r, kb.EncryptionKey); err != nil {
		return nil, fmt.Errorf("derive encryption key: %w", err)
	}
	if _, err := io.ReadFull(r, kb.HMACKey); err != nil {
		return nil, fmt.Errorf("derive hmac key: %w", err)
	}
	return kb, nil
}

// DeriveSyncKey stretches a passphrase into the account's root bundle.
func DeriveSyncKey(username, passphrase string) (*KeyBundle, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("empty passphrase")
	}
	salt := sha256.Sum256([]byte(strings.ToLower(username)))
	secret := pbkdf2.Key([]byte(passphrase), salt[:], DefaultIterations, KeySize, sha256.New)
	return DeriveKeyBundle(secret, username)
}

// envelope is the JSON form of an encrypted payload.
type envelope struct {
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"IV"`
	HMAC       string `json:"hmac"`
}

// CryptoProvider seals payloads with AES-GCM and authenticates the envelope
// with HMAC-SHA256 under the bundle's HMAC key.
type CryptoProvider struct{}

// NewProvider creates a crypto provider.
func NewProvider() *CryptoProvider {
	return &CryptoProvider{}
}

// Encrypt seals payload into an envelope string.
func (p *CryptoProvider) Encrypt(payload []byte, bundle *KeyBundle) (string, error) {
	if err := bundle.Validate(); err != nil {
		return "", err
	}

	sealed, err := EncryptData(payload, bundle.EncryptionKey)
	if err != nil {
		return "", err
	}

	nonce, ciphertext := sealed[:NonceSize], sealed[NonceSize:]
	env := envelope{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
	}
	env.HMAC = hex.EncodeToString(mac(bundle.HMACKey, env.Ciphertext))

	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(data), nil
}

// Decrypt verifies the envelope HMAC before opening it.
func (p *CryptoProvider) Decrypt(payload string, bundle *KeyBundle) ([]byte, error) {
	if err := bundle.Validate(); err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}

	expected, err := hex.DecodeString(env.HMAC)
	if err != nil || !hmac.Equal(expected, mac(bundle.HMACKey, env.Ciphertext)) {
		return nil, ErrHMACMismatch
	}

	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil || len(nonce) != NonceSize {
		return nil, ErrInvalidCiphertext
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}

	return DecryptData(append(nonce, ciphertext...), bundle.EncryptionKey)
}

func mac(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

// EncryptData encrypts plaintext using AES-GCM.
// Returns: nonce || ciphertext || tag
func EncryptData(plaintext, key []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// DecryptData decrypts the output of EncryptData.
func DecryptData(ciphertext, key []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	// Minimum size: nonce + tag
	if len(ciphertext) < NonceSize+TagSize {
		return nil, ErrInvalidCiphertext
	}

	plaintext, err := aead.Open(nil, ciphertext[:NonceSize], ciphertext[NonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}
