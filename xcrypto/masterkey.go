package xcrypto

import (
	"crypto/rsa"
	"time"

	"github.com/dundi-net/dundi/util/errwrap"
)

// DefaultKeyExpire is the per-peer master key rotation interval: a fresh
// 16-byte random AES-128 key is generated and rewrapped this often.
const DefaultKeyExpire = 3600 * time.Second

// MasterKey is the outbound session key we hold for one peer: the raw AES
// key plus its RSA-wrapped, signed form ready to place on the wire as
// SHAREDKEY+SIGNATURE.
type MasterKey struct {
	Key       []byte      // raw AES-128 key
	Wrapped   [BlockSize]byte // SHAREDKEY: RSA-encrypt(Key, their public)
	Signature [BlockSize]byte // SIGNATURE: RSA-sign(Wrapped, our private)
	CRC       uint32      // KEYCRC32: CRC-32(Wrapped) -- "us_keycrc32"
	Created   time.Time
}

// Expired reports whether this key has outlived DefaultKeyExpire as of now.
func (m MasterKey) Expired(now time.Time) bool {
	return now.Sub(m.Created) >= DefaultKeyExpire
}

// NewMasterKey generates a fresh AES-128 session key, wraps it for theirPub
// and signs the wrapped block with ourPriv, per the per-peer master key
// lifecycle.
func NewMasterKey(ourPriv *rsa.PrivateKey, theirPub *rsa.PublicKey, now time.Time) (MasterKey, error) {
	key, err := GenerateAESKey()
	if err != nil {
		return MasterKey{}, err
	}
	wrapped, err := EncryptBlock(theirPub, key)
	if err != nil {
		return MasterKey{}, errwrap.Wrapf(err, "xcrypto: can't wrap master key")
	}
	sig, err := SignBlock(ourPriv, wrapped)
	if err != nil {
		return MasterKey{}, errwrap.Wrapf(err, "xcrypto: can't sign master key")
	}
	return MasterKey{
		Key:       key,
		Wrapped:   wrapped,
		Signature: sig,
		CRC:       KeyCRC32(wrapped),
		Created:   now,
	}, nil
}

// Session returns the AES session derived from this master key, for use
// with EncryptRecord.
func (m MasterKey) Session() Session {
	return Session{Key: m.Key, CRC: m.CRC}
}

// OpenSharedKey is the receiving side of the handshake: verify sig against
// theirPub, then RSA-decrypt wrapped with ourPriv to recover the raw AES
// key. Returns a Session ready for DecryptRecord/EncryptRecord plus the
// wrapped block's CRC for caching against future KEYCRC32 fast-path frames.
func OpenSharedKey(ourPriv *rsa.PrivateKey, theirPub *rsa.PublicKey, wrapped, sig [BlockSize]byte) (Session, error) {
	if err := VerifyBlock(theirPub, wrapped, sig); err != nil {
		return Session{}, err
	}
	key, err := DecryptBlock(ourPriv, wrapped)
	if err != nil {
		return Session{}, err
	}
	return Session{Key: key, CRC: KeyCRC32(wrapped)}, nil
}
