package fetch

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
)

// DeriveIV returns the implicit AES-CBC IV for a segment: the 16-byte
// big-endian encoding of its zero-based index.
func DeriveIV(index int) []byte {
	iv := make([]byte, aes.BlockSize)
	binary.BigEndian.PutUint64(iv[8:], uint64(index))
	return iv
}

// decryptCBC decrypts an AES-128-CBC segment in place of its
// ciphertext. The transport-stream payload carries its own framing, so
// no padding is stripped here.
func decryptCBC(data, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("IV has invalid length %d, want %d", len(iv), aes.BlockSize)
	}
	if len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a multiple of the block size", len(data))
	}

	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}
