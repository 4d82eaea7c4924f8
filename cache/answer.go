package cache

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dundi-net/dundi/ie"
)

// Row is one decoded answer-set cache value: an absolute expiration epoch
// plus the deduped, min-weight answer rows it carries.
type Row struct {
	ExpireEpoch int64
	Answers     []ie.AnswerValue
}

// EncodeAnswerRow renders the cache value format:
// "{expire_epoch}|{flags}/{weight}/{tech}/{dest}/{answer_eid}|...|" with a
// trailing pipe.
func EncodeAnswerRow(row Row) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d|", row.ExpireEpoch)
	for _, a := range row.Answers {
		fmt.Fprintf(&b, "%d/%d/%d/%s/%s|", a.Flags, a.Weight, a.Protocol, a.Dest, a.EID.Short())
	}
	return b.String()
}

// DecodeAnswerRow parses a cache value produced by EncodeAnswerRow. A
// malformed answer segment is skipped rather than failing the whole row,
// since one bad segment shouldn't make an otherwise-valid cache hit
// unusable.
func DecodeAnswerRow(value string) (Row, error) {
	parts := strings.Split(value, "|")
	if len(parts) < 1 {
		return Row{}, fmt.Errorf("cache: empty answer row")
	}
	epoch, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Row{}, fmt.Errorf("cache: bad expire_epoch %q: %w", parts[0], err)
	}
	row := Row{ExpireEpoch: epoch}
	for _, seg := range parts[1:] {
		if seg == "" {
			continue
		}
		fields := strings.SplitN(seg, "/", 5)
		if len(fields) != 5 {
			continue
		}
		flags, err1 := strconv.ParseUint(fields[0], 10, 16)
		weight, err2 := strconv.ParseUint(fields[1], 10, 16)
		proto, err3 := strconv.ParseUint(fields[2], 10, 8)
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		eid, err := ie.ParseEID(fields[4])
		if err != nil {
			continue
		}
		row.Answers = append(row.Answers, ie.AnswerValue{
			EID:      eid,
			Protocol: uint8(proto),
			Flags:    uint16(flags),
			Weight:   uint16(weight),
			Dest:     fields[3],
		})
	}
	return row, nil
}
