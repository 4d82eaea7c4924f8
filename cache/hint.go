package cache

import (
	"fmt"
	"strconv"
	"strings"
)

// HintRow is a decoded hint-cache value: presence alone is the signal, but
// the expiration still governs TTL-on-read eviction.
type HintRow struct {
	ExpireEpoch int64
}

// EncodeHintRow renders the hint-cache value format: "{expire_epoch}|".
func EncodeHintRow(row HintRow) string {
	return fmt.Sprintf("%d|", row.ExpireEpoch)
}

// DecodeHintRow parses a hint-cache value produced by EncodeHintRow.
func DecodeHintRow(value string) (HintRow, error) {
	epoch, _, _ := strings.Cut(value, "|")
	n, err := strconv.ParseInt(epoch, 10, 64)
	if err != nil {
		return HintRow{}, fmt.Errorf("cache: bad hint expire_epoch %q: %w", epoch, err)
	}
	return HintRow{ExpireEpoch: n}, nil
}
