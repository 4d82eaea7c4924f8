package cache

import (
	"fmt"
	"strconv"
	"strings"
)

// DPeerRow is a decoded dynamic peer registration: address, port, and
// absolute expiration epoch.
type DPeerRow struct {
	IP     string
	Port   int
	Expire int64
}

// EncodeDPeerRow renders the "ip:port:expire" value format.
func EncodeDPeerRow(row DPeerRow) string {
	return fmt.Sprintf("%s:%d:%d", row.IP, row.Port, row.Expire)
}

// DecodeDPeerRow parses a value produced by EncodeDPeerRow.
func DecodeDPeerRow(value string) (DPeerRow, error) {
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return DPeerRow{}, fmt.Errorf("cache: malformed dpeer row %q", value)
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return DPeerRow{}, fmt.Errorf("cache: bad port in dpeer row %q: %w", value, err)
	}
	expire, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return DPeerRow{}, fmt.Errorf("cache: bad expire in dpeer row %q: %w", value, err)
	}
	return DPeerRow{IP: parts[0], Port: port, Expire: expire}, nil
}
