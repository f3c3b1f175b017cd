package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"sync"
)

// Cipher cache to avoid recreating AES ciphers for the same key
var (
	cipherCache   = make(map[[16]byte]cipher.Block)
	cipherCacheMu sync.RWMutex
)

func getCachedCipher(key []byte) (cipher.Block, error) {
	if len(key) != 16 {
		return nil, fmt.Errorf("key must be 16 bytes, got %d", len(key))
	}

	var keyArr [16]byte
	copy(keyArr[:], key)

	cipherCacheMu.RLock()
	block, ok := cipherCache[keyArr]
	cipherCacheMu.RUnlock()
	if ok {
		return block, nil
	}

	cipherCacheMu.Lock()
	defer cipherCacheMu.Unlock()

	// Double-check after acquiring write lock
	if block, ok = cipherCache[keyArr]; ok {
		return block, nil
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	cipherCache[keyArr] = block
	return block, nil
}

// ECBDecrypt decrypts data using AES-ECB.
// Note: ECB is not secure for general purpose, but used in Xbox formats.
func ECBDecrypt(data, key []byte) ([]byte, error) {
	block, err := getCachedCipher(key)
	if err != nil {
		return nil, err
	}

	if len(data)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("data length not multiple of block size")
	}

	out := make([]byte, len(data))
	for i := 0; i < len(data); i += block.BlockSize() {
		block.Decrypt(out[i:i+block.BlockSize()], data[i:i+block.BlockSize()])
	}
	return out, nil
}

// CBCStream decrypts AES-128-CBC data while holding the IV state between
// calls. The XEX payload is chained continuously: every compressed block is
// decrypted with the IV left behind by the previous one, so the cipher state
// must outlive any single Decrypt call.
type CBCStream struct {
	block cipher.Block
	iv    [16]byte
}

// NewCBCStream creates a CBC decryptor over key with an all-zero IV.
func NewCBCStream(key []byte) (*CBCStream, error) {
	block, err := getCachedCipher(key)
	if err != nil {
		return nil, err
	}
	return &CBCStream{block: block}, nil
}

// Decrypt decrypts every fully-aligned 16-byte run of data in place.
// Trailing sub-block bytes are left untouched. The IV advances so that
// Decrypt(C1) followed by Decrypt(C2) equals Decrypt(C1||C2) in one call.
func (s *CBCStream) Decrypt(data []byte) {
	var tmp [16]byte
	for i := 0; i+16 <= len(data); i += 16 {
		chunk := data[i : i+16]
		copy(tmp[:], chunk)
		s.block.Decrypt(chunk, chunk)
		for j := 0; j < 16; j++ {
			chunk[j] ^= s.iv[j]
		}
		s.iv = tmp
	}
}
