package cache

import (
	"fmt"

	"github.com/dundi-net/dundi/ie"
)

// AnswerKeyByCRC returns the answer-cache key form keyed by the avoidance
// stack's CRC-32.
func AnswerKeyByCRC(peer ie.EID, number, dcontext string, crc32 uint32) string {
	return fmt.Sprintf("%s/%s/%s/e%08x", peer.Short(), number, dcontext, crc32)
}

// AnswerKeyByRoot returns the answer-cache key form keyed by the root EID.
func AnswerKeyByRoot(peer ie.EID, number, dcontext string, root ie.EID) string {
	return fmt.Sprintf("%s/%s/%s/r%s", peer.Short(), number, dcontext, root.Short())
}

// HintKeyByCRC returns the hint-cache key form keyed by CRC-32:
// `hint/{peer_eid}/{prefix}/{dcontext}/e{crc32:08x}`.
func HintKeyByCRC(peer ie.EID, prefix, dcontext string, crc32 uint32) string {
	return fmt.Sprintf("hint/%s/%s/%s/e%08x", peer.Short(), prefix, dcontext, crc32)
}

// HintKeyByRoot returns the hint-cache key form keyed by the root EID.
func HintKeyByRoot(peer ie.EID, prefix, dcontext string, root ie.EID) string {
	return fmt.Sprintf("hint/%s/%s/%s/r%s", peer.Short(), prefix, dcontext, root.Short())
}

// DPeerKey returns the dynamic-peer-registration key under NSDPeers:
// `dpeers/<eid>`.
func DPeerKey(eid ie.EID) string {
	return fmt.Sprintf("dpeers/%s", eid.Short())
}
