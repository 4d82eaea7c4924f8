package xcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/dundi-net/dundi/util/errwrap"
)

// AESKeySize is the length, in bytes, of the session key negotiated per
// peer.
const AESKeySize = 16

// ivSize is the CBC initialization vector length, equal to the AES block
// size.
const ivSize = aes.BlockSize

// GenerateAESKey returns a fresh CSPRNG-backed AES-128 session key.
func GenerateAESKey() ([]byte, error) {
	key := make([]byte, AESKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, errwrap.Wrapf(err, "xcrypto: can't generate AES key")
	}
	return key, nil
}

// generateIV returns a fresh CSPRNG-backed CBC initialization vector.
func generateIV() ([ivSize]byte, error) {
	var iv [ivSize]byte
	if _, err := rand.Read(iv[:]); err != nil {
		return iv, errwrap.Wrapf(err, "xcrypto: can't generate IV")
	}
	return iv, nil
}

// cbcEncrypt encrypts plaintext (already padded to a multiple of the AES
// block size) with key under iv, in place semantics (returns a new slice).
func cbcEncrypt(key []byte, iv [ivSize]byte, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errwrap.Wrapf(err, "xcrypto: can't build AES cipher")
	}
	if len(plaintext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("xcrypto: plaintext not block-aligned: %d bytes", len(plaintext))
	}
	out := make([]byte, len(plaintext))
	mode := cipher.NewCBCEncrypter(block, iv[:])
	mode.CryptBlocks(out, plaintext)
	return out, nil
}

// cbcDecrypt is the inverse of cbcEncrypt.
func cbcDecrypt(key []byte, iv [ivSize]byte, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errwrap.Wrapf(err, "xcrypto: can't build AES cipher")
	}
	if len(ciphertext)%aes.BlockSize != 0 || len(ciphertext) == 0 {
		return nil, fmt.Errorf("xcrypto: ciphertext not block-aligned: %d bytes", len(ciphertext))
	}
	out := make([]byte, len(ciphertext))
	mode := cipher.NewCBCDecrypter(block, iv[:])
	mode.CryptBlocks(out, ciphertext)
	return out, nil
}
