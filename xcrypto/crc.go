package xcrypto

import "hash/crc32"

// KeyCRC32 returns the CRC-32 fingerprint of a 128-byte RSA-wrapped key
// block, used as the fast-path KEYCRC32 IE.
func KeyCRC32(block [BlockSize]byte) uint32 {
	return crc32.ChecksumIEEE(block[:])
}
