// Package decrypt recovers the plaintext record block of an instant readout frame.
package decrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// Block decrypts one 16-byte block with AES-128 in counter mode, using iv as the
// initial counter. Encryption and decryption are the same operation.
func Block(key, iv, in [16]byte) [16]byte {
	var out [16]byte

	c, err := aes.NewCipher(key[:])
	if err != nil {
		// A 16 byte key is always valid.
		panic(fmt.Sprintf("decrypt: %v", err))
	}

	cipher.NewCTR(c, iv[:]).XORKeyStream(out[:], in[:])
	return out
}
