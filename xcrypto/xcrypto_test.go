package xcrypto

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"
)

func genKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	return key
}

func TestRSABlockRoundTrip(t *testing.T) {
	priv := genKey(t)
	key, err := GenerateAESKey()
	if err != nil {
		t.Fatal(err)
	}
	block, err := EncryptBlock(&priv.PublicKey, key)
	if err != nil {
		t.Fatalf("EncryptBlock: %v", err)
	}
	got, err := DecryptBlock(priv, block)
	if err != nil {
		t.Fatalf("DecryptBlock: %v", err)
	}
	if !bytes.Equal(got, key) {
		t.Errorf("round trip mismatch: %x != %x", got, key)
	}
}

func TestSignVerifyBlock(t *testing.T) {
	priv := genKey(t)
	var block [BlockSize]byte
	rand.Read(block[:])
	sig, err := SignBlock(priv, block)
	if err != nil {
		t.Fatalf("SignBlock: %v", err)
	}
	if err := VerifyBlock(&priv.PublicKey, block, sig); err != nil {
		t.Errorf("VerifyBlock: %v", err)
	}
	block[0] ^= 0xFF
	if err := VerifyBlock(&priv.PublicKey, block, sig); err == nil {
		t.Error("VerifyBlock succeeded on tampered block")
	}
}

// TestRecordRoundTrip checks that for any payload <= 8000 bytes and any
// valid key, decrypt(encrypt(p, k), k) == p.
func TestRecordRoundTrip(t *testing.T) {
	key, err := GenerateAESKey()
	if err != nil {
		t.Fatal(err)
	}
	sess := Session{Key: key}
	payload := bytes.Repeat([]byte("the quick brown fox "), 300) // well under 8000 bytes
	if len(payload) > 8000 {
		payload = payload[:8000]
	}
	rec, err := EncryptRecord(sess, payload)
	if err != nil {
		t.Fatalf("EncryptRecord: %v", err)
	}
	got, err := DecryptRecord(sess, rec)
	if err != nil {
		t.Fatalf("DecryptRecord: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("round trip mismatch: got %d bytes, want %d", len(got), len(payload))
	}
}

func TestRecordWrongKeyFails(t *testing.T) {
	key1, _ := GenerateAESKey()
	key2, _ := GenerateAESKey()
	rec, err := EncryptRecord(Session{Key: key1}, []byte("hello world"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecryptRecord(Session{Key: key2}, rec); err == nil {
		t.Error("DecryptRecord succeeded with wrong key")
	}
}

func TestInflateCap(t *testing.T) {
	big := bytes.Repeat([]byte{0}, MaxInflateSize+1024)
	compressed, err := deflate(big)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := inflate(compressed); err == nil {
		t.Error("inflate did not enforce MaxInflateSize")
	}
}

func TestMasterKeyHandshake(t *testing.T) {
	a := genKey(t) // A's private key
	b := genKey(t) // B's private key

	now := time.Unix(1700000000, 0)
	mk, err := NewMasterKey(a, &b.PublicKey, now)
	if err != nil {
		t.Fatalf("NewMasterKey: %v", err)
	}
	if mk.Expired(now.Add(DefaultKeyExpire - time.Second)) {
		t.Error("key reported expired before DefaultKeyExpire elapsed")
	}
	if !mk.Expired(now.Add(DefaultKeyExpire + time.Second)) {
		t.Error("key not reported expired after DefaultKeyExpire elapsed")
	}

	sess, err := OpenSharedKey(b, &a.PublicKey, mk.Wrapped, mk.Signature)
	if err != nil {
		t.Fatalf("OpenSharedKey: %v", err)
	}
	if sess.CRC != mk.CRC {
		t.Errorf("CRC mismatch: %d != %d", sess.CRC, mk.CRC)
	}
	if !bytes.Equal(sess.Key, mk.Key) {
		t.Error("recovered key does not match original")
	}

	payload := []byte("DPDISCOVER payload goes here")
	rec, err := EncryptRecord(mk.Session(), payload)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecryptRecord(sess, rec)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("end-to-end handshake payload mismatch")
	}
}

func TestKeyCRC32Deterministic(t *testing.T) {
	var block [BlockSize]byte
	rand.Read(block[:])
	if KeyCRC32(block) != KeyCRC32(block) {
		t.Error("KeyCRC32 not deterministic")
	}
	block2 := block
	block2[0] ^= 1
	if KeyCRC32(block) == KeyCRC32(block2) {
		t.Error("KeyCRC32 collided on single-bit change (suspicious, not necessarily wrong)")
	}
}
