package realtime

import (
	"crypto/rand"
	"encoding/hex"
)

// NewRandomHex returns a cryptographically random lowercase hex string of
// nBytes entropy.
func NewRandomHex(nBytes int) string {
	if nBytes <= 0 {
		nBytes = 10
	}
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failure means the platform is broken; IDs are not
		// recoverable at this point.
		panic(err)
	}
	return hex.EncodeToString(b)
}
