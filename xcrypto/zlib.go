package xcrypto

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"

	"github.com/dundi-net/dundi/util/errwrap"
)

// MaxInflateSize is the hard cap on zlib-decompressed output, sized to the
// datagram MTU plus slack for the header. Enforcing an output cap on inflate
// resists compression-bomb payloads.
const MaxInflateSize = 9 * 1024

func deflate(p []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(p); err != nil {
		return nil, errwrap.Wrapf(err, "xcrypto: zlib deflate failed")
	}
	if err := w.Close(); err != nil {
		return nil, errwrap.Wrapf(err, "xcrypto: zlib deflate close failed")
	}
	return buf.Bytes(), nil
}

// inflate decompresses p, refusing to produce more than MaxInflateSize
// bytes of output regardless of what the stream claims or attempts.
func inflate(p []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(p))
	if err != nil {
		return nil, errwrap.Wrapf(err, "xcrypto: zlib header invalid")
	}
	defer r.Close()

	limited := io.LimitReader(r, MaxInflateSize+1)
	out, err := io.ReadAll(limited)
	if err != nil {
		return nil, errwrap.Wrapf(err, "xcrypto: zlib inflate failed")
	}
	if len(out) > MaxInflateSize {
		return nil, fmt.Errorf("xcrypto: inflated payload exceeds %d bytes", MaxInflateSize)
	}
	return out, nil
}
