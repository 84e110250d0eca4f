package helpers

import (
	"crypto/rand"
	"encoding/hex"
)

// GenerateToken returns a hex string built from len bytes of CSPRNG output.
func GenerateToken(len int) (string, error) {
	b := make([]byte, len)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return hex.EncodeToString(b), nil
}
