package crypto_test

import (
	"crypto/rand"
	"fmt"
	"testing"

	"github.com/TheMichaelB/recsync/internal/crypto"
)

func BenchmarkDeriveSyncKey(b *testing.B) {
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if _, err := crypto.DeriveSyncKey("alice@example.com", "correct horse battery staple"); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkEncryptDecrypt(b *testing.B) {
	provider := crypto.NewProvider()
	kb, err := crypto.GenerateKeyBundle()
	if err != nil {
		b.Fatal(err)
	}

	for _, size := range []int{256, 4 * 1024, 64 * 1024} {
		payload := make([]byte, size)
		if _, err := rand.Read(payload); err != nil {
			b.Fatal(err)
		}

		b.Run(fmt.Sprintf("%dB", size), func(b *testing.B) {
			b.SetBytes(int64(size))
			b.ReportAllocs()

			for i := 0; i < b.N; i++ {
				sealed, err := provider.Encrypt(payload, kb)
				if err != nil {
					b.Fatal(err)
				}
				if _, err := provider.Decrypt(sealed, kb); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
