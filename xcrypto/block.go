package xcrypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"

	"github.com/dundi-net/dundi/util/errwrap"
)

// EncryptBlock RSA-encrypts a raw AES-128 key (16 bytes) into a fixed
// 128-byte block addressed to pub, using OAEP with SHA-256. This is the
// SHAREDKEY IE body.
func EncryptBlock(pub *rsa.PublicKey, key []byte) ([BlockSize]byte, error) {
	var out [BlockSize]byte
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
	if err != nil {
		return out, errwrap.Wrapf(err, "xcrypto: RSA encrypt failed")
	}
	if len(ct) != BlockSize {
		return out, fmt.Errorf("xcrypto: unexpected ciphertext length %d", len(ct))
	}
	copy(out[:], ct)
	return out, nil
}

// DecryptBlock is the inverse of EncryptBlock: it RSA-decrypts a 128-byte
// block with priv and returns the raw AES-128 key it carried.
func DecryptBlock(priv *rsa.PrivateKey, block [BlockSize]byte) ([]byte, error) {
	pt, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, block[:], nil)
	if err != nil {
		return nil, errwrap.Wrapf(err, "xcrypto: RSA decrypt failed")
	}
	return pt, nil
}

// SignBlock signs a 128-byte SHAREDKEY block with priv, producing the
// 128-byte SIGNATURE block.
func SignBlock(priv *rsa.PrivateKey, block [BlockSize]byte) ([BlockSize]byte, error) {
	var out [BlockSize]byte
	digest := sha256.Sum256(block[:])
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	if err != nil {
		return out, errwrap.Wrapf(err, "xcrypto: RSA sign failed")
	}
	if len(sig) != BlockSize {
		return out, fmt.Errorf("xcrypto: unexpected signature length %d", len(sig))
	}
	copy(out[:], sig)
	return out, nil
}

// VerifyBlock verifies that sig is pub's signature over block.
func VerifyBlock(pub *rsa.PublicKey, block, sig [BlockSize]byte) error {
	digest := sha256.Sum256(block[:])
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig[:]); err != nil {
		return errwrap.Wrapf(err, "xcrypto: signature verification failed")
	}
	return nil
}
