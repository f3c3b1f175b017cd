// Package keys holds the retail key used by XEX2 containers and unwraps
// the per-title session key embedded in the file header.
package keys

import (
	"fmt"

	"github.com/aaayd/xexparser/pkg/crypto"
)

// Retail XEX2 executables wrap their session key under the all-zero key.
// Devkit images use a different key and are not supported.
var retailKey [16]byte

// RetailKey returns a copy of the retail wrapping key.
func RetailKey() []byte {
	k := make([]byte, 16)
	copy(k, retailKey[:])
	return k
}

// UnwrapSessionKey decrypts the 16 encrypted session-key bytes read from
// the file header. The result keys the AES-CBC payload decryption.
func UnwrapSessionKey(wrapped []byte) ([]byte, error) {
	if len(wrapped) != 16 {
		return nil, fmt.Errorf("session key must be 16 bytes, got %d", len(wrapped))
	}
	return crypto.ECBDecrypt(wrapped, retailKey[:])
}
