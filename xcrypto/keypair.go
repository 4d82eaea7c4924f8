// Package xcrypto implements the engine's end-to-end security layer: RSA-1024
// sign/verify/encrypt/decrypt of fixed 128-byte blocks, AES-128-CBC record
// encryption, zlib compression with a hard output cap, key-CRC fingerprints,
// and per-peer session key rotation. The global rotating shared secret
// lives in util/secret, not here.
package xcrypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/dundi-net/dundi/util/errwrap"
)

// BlockSize is the fixed size, in bytes, of every RSA-wrapped block on the
// wire: a raw RSA-1024 modulus block (SHAREDKEY, SIGNATURE).
const BlockSize = 128

// KeyPair wraps one side of a peer's RSA keying material: our private key
// (used to sign outbound session keys and decrypt theirs) and/or their
// public key (used to verify their signatures and encrypt to them). Either
// half may be nil if unused -- a peer we only send to needs no private key,
// one we only receive from needs no public key of ours.
type KeyPair struct {
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey
}

// ImportPrivate reads a PEM-encoded PKCS#1 RSA private key from path. This
// is the `outkey` file named in a peer's configuration.
func ImportPrivate(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errwrap.Wrapf(err, "xcrypto: can't read private key %q", path)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("xcrypto: no PEM block in %q", path)
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, errwrap.Wrapf(err, "xcrypto: can't parse private key %q", path)
	}
	if key.N.BitLen() != 1024 {
		return nil, fmt.Errorf("xcrypto: key %q is %d bits, want 1024", path, key.N.BitLen())
	}
	return key, nil
}

// ImportPublic reads a PEM-encoded PKCS#1 RSA public key from path. This is
// the `inkey` file named in a peer's configuration.
func ImportPublic(path string) (*rsa.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errwrap.Wrapf(err, "xcrypto: can't read public key %q", path)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("xcrypto: no PEM block in %q", path)
	}
	key, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, errwrap.Wrapf(err, "xcrypto: can't parse public key %q", path)
	}
	if key.N.BitLen() != 1024 {
		return nil, fmt.Errorf("xcrypto: key %q is %d bits, want 1024", path, key.N.BitLen())
	}
	return key, nil
}

// GenerateKeyPair creates a fresh 1024-bit RSA key pair, for tests and for
// `dundid`'s key-generation subcommand.
func GenerateKeyPair() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		return nil, errwrap.Wrapf(err, "xcrypto: can't generate key")
	}
	return key, nil
}
