// Package ie implements the wire-level Entity Identifier and
// Information-Element codec used by every DUNDi datagram: the 6-byte EID,
// the TLV information elements, and the frame header that carries them.
package ie

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/dundi-net/dundi/util/errwrap"
)

// Size is the byte length of an Entity Identifier.
const Size = 6

// EID is a 6-byte globally-unique node identifier, usually seeded from a
// MAC address. The zero value is reserved for "unknown/local".
type EID [Size]byte

// Zero is the reserved "unknown/local" EID.
var Zero EID

// IsZero reports whether this is the reserved unknown/local EID.
func (e EID) IsZero() bool {
	return e == Zero
}

// String renders the long canonical form "xx:xx:xx:xx:xx:xx".
func (e EID) String() string {
	parts := make([]string, Size)
	for i, b := range e {
		parts[i] = hex.EncodeToString([]byte{b})
	}
	return strings.Join(parts, ":")
}

// Short renders the short canonical form "XXXXXXXXXXXX" (uppercase, no
// separators), as used in cache keys.
func (e EID) Short() string {
	return strings.ToUpper(hex.EncodeToString(e[:]))
}

// ParseEID parses either the long "xx:xx:xx:xx:xx:xx" (17 chars) or short
// "XXXXXXXXXXXX" (12 chars) canonical form.
func ParseEID(s string) (EID, error) {
	var out EID
	clean := strings.ReplaceAll(s, ":", "")
	clean = strings.ReplaceAll(clean, "-", "")
	if len(clean) != Size*2 {
		return out, fmt.Errorf("ie: invalid EID %q: wrong length", s)
	}
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return out, errwrap.Wrapf(err, "ie: invalid EID %q", s)
	}
	copy(out[:], raw)
	return out, nil
}

// Less gives EIDs a total order, used only to produce stable output (e.g.
// Registry.Snapshot) -- it carries no protocol meaning.
func (e EID) Less(o EID) bool {
	for i := range e {
		if e[i] != o[i] {
			return e[i] < o[i]
		}
	}
	return false
}
