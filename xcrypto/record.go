package xcrypto

import (
	"fmt"

	"github.com/dundi-net/dundi/util/errwrap"
)

// Session holds the negotiated AES contexts for one direction of a
// transaction: the raw key plus the peer's key-CRC fingerprint for the
// fast-path KEYCRC32 check.
type Session struct {
	Key  []byte // AES-128 raw key, AESKeySize bytes
	CRC  uint32 // CRC-32 of the 128-byte RSA block this key was wrapped in
}

// Record is an encrypted payload ready to go out as the body of an ENCDATA
// IE: a fresh IV plus the AES-CBC ciphertext of the zlib-compressed,
// zero-padded plaintext.
type Record struct {
	IV         [16]byte
	Ciphertext []byte
}

// EncryptRecord implements the outbound half of the record format:
// zlib-compress plaintext, zero-pad to a block boundary, generate a fresh
// IV, and AES-128-CBC encrypt under sess.Key.
func EncryptRecord(sess Session, plaintext []byte) (Record, error) {
	if len(sess.Key) != AESKeySize {
		return Record{}, fmt.Errorf("xcrypto: session key is %d bytes, want %d", len(sess.Key), AESKeySize)
	}
	compressed, err := deflate(plaintext)
	if err != nil {
		return Record{}, err
	}
	padded := padToBlock(compressed)
	iv, err := generateIV()
	if err != nil {
		return Record{}, err
	}
	ct, err := cbcEncrypt(sess.Key, iv, padded)
	if err != nil {
		return Record{}, errwrap.Wrapf(err, "xcrypto: record encrypt failed")
	}
	return Record{IV: iv, Ciphertext: ct}, nil
}

// DecryptRecord is the inverse of EncryptRecord: AES-CBC decrypt, then
// zlib-inflate (capped at MaxInflateSize). Zero padding beyond the
// compressed stream's own end-of-data marker is discarded by the zlib
// reader itself, so no separate unpad step is needed.
func DecryptRecord(sess Session, rec Record) ([]byte, error) {
	if len(sess.Key) != AESKeySize {
		return nil, fmt.Errorf("xcrypto: session key is %d bytes, want %d", len(sess.Key), AESKeySize)
	}
	padded, err := cbcDecrypt(sess.Key, rec.IV, rec.Ciphertext)
	if err != nil {
		return nil, errwrap.Wrapf(err, "xcrypto: record decrypt failed")
	}
	plaintext, err := inflate(padded)
	if err != nil {
		return nil, errwrap.Wrapf(err, "xcrypto: record inflate failed")
	}
	return plaintext, nil
}

// padToBlock zero-pads p to the next multiple of the AES block size.
func padToBlock(p []byte) []byte {
	rem := len(p) % ivSize
	if rem == 0 {
		return p
	}
	out := make([]byte, len(p)+(ivSize-rem))
	copy(out, p)
	return out
}
