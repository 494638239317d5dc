package crypto

// Cryptor turns record payloads into opaque envelopes and back.
type Cryptor interface {
	// Encrypt seals payload with the bundle and returns the envelope string
	// stored in a wire record.
	Encrypt(payload []byte, bundle *KeyBundle) (string, error)

	// Decrypt verifies and opens an envelope.
	Decrypt(envelope string, bundle *KeyBundle) ([]byte, error)
}
