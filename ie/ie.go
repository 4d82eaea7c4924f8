package ie

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ID is the 1-byte information-element type tag.
type ID uint8

// Recognized information-element ids.
const (
	// SelfEID carries the sending entity's own EID, included in most
	// frames for permission checks and hop-avoidance bookkeeping.
	SelfEID       ID = 1
	CalledContext ID = 2
	CalledNumber  ID = 3
	EIDDirect     ID = 4
	Answer        ID = 5
	TTL           ID = 6
	Version       ID = 10
	Expiration    ID = 11
	UnknownCmd    ID = 12
	CauseID       ID = 14
	ReqEID        ID = 15
	EncData       ID = 16
	SharedKey     ID = 17
	Signature     ID = 18
	KeyCRC32      ID = 19
	Hint          ID = 20
	Department    ID = 21
	Organization  ID = 22
	Locality      ID = 23
	StateProv     ID = 24
	Country       ID = 25
	Email         ID = 26
	Phone         ID = 27
	IPAddr        ID = 28
	CacheBypass   ID = 29
	PeerStatus    ID = 30
)

var idNames = map[ID]string{
	SelfEID:       "EID",
	CalledContext: "CALLED_CONTEXT",
	CalledNumber:  "CALLED_NUMBER",
	EIDDirect:     "EID_DIRECT",
	Answer:        "ANSWER",
	TTL:           "TTL",
	Version:       "VERSION",
	Expiration:    "EXPIRATION",
	UnknownCmd:    "UNKNOWN_CMD",
	CauseID:       "CAUSE",
	ReqEID:        "REQEID",
	EncData:       "ENCDATA",
	SharedKey:     "SHAREDKEY",
	Signature:     "SIGNATURE",
	KeyCRC32:      "KEYCRC32",
	Hint:          "HINT",
	Department:    "DEPARTMENT",
	Organization:  "ORGANIZATION",
	Locality:      "LOCALITY",
	StateProv:     "STATEPROV",
	Country:       "COUNTRY",
	Email:         "EMAIL",
	Phone:         "PHONE",
	IPAddr:        "IPADDR",
	CacheBypass:   "CACHEBYPASS",
	PeerStatus:    "PEERSTATUS",
}

func (id ID) String() string {
	if name, ok := idNames[id]; ok {
		return name
	}
	return fmt.Sprintf("ie(%d)", uint8(id))
}

// Raw is a single decoded information element: its id and raw value bytes.
// Typed accessors below interpret Value for the ids that carry structure.
type Raw struct {
	ID    ID
	Value []byte
}

// AnswerValue is the decoded body of an ANSWER IE.
type AnswerValue struct {
	EID      EID
	Protocol uint8
	Flags    uint16
	Weight   uint16
	Dest     string
}

// CauseValue is the decoded body of a CAUSE IE.
type CauseValue struct {
	Code Cause
	Desc string
}

// HintValue is the decoded body of a HINT IE.
type HintValue struct {
	Flags  uint16
	Prefix string
}

// EncDataValue is the decoded body of an ENCDATA IE.
type EncDataValue struct {
	IV         [16]byte
	Ciphertext []byte
}

// Builder accumulates information elements for one outbound frame, enforcing
// the 8192-byte per-datagram limit as it goes.
type Builder struct {
	buf bytes.Buffer
}

// NewBuilder returns an empty IE builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Len returns the number of IE bytes accumulated so far, not counting the
// frame header.
func (b *Builder) Len() int {
	return b.buf.Len()
}

func (b *Builder) appendRaw(id ID, value []byte) error {
	if len(value) > 255 {
		return fmt.Errorf("ie: %s value too long: %d bytes", id, len(value))
	}
	grown := HeaderSize + b.buf.Len() + 2 + len(value)
	if grown > MaxFrameSize {
		return fmt.Errorf("ie: frame would exceed %d bytes appending %s", MaxFrameSize, id)
	}
	b.buf.WriteByte(byte(id))
	b.buf.WriteByte(byte(len(value)))
	b.buf.Write(value)
	return nil
}

// AppendRaw appends an IE with an already-encoded value.
func (b *Builder) AppendRaw(id ID, value []byte) error {
	return b.appendRaw(id, value)
}

// AppendFlag appends a zero-length marker IE, e.g. CACHEBYPASS.
func (b *Builder) AppendFlag(id ID) error {
	return b.appendRaw(id, nil)
}

// AppendEID appends a 6-byte EID-shaped IE (EID, EID_DIRECT, or REQEID).
func (b *Builder) AppendEID(id ID, e EID) error {
	return b.appendRaw(id, e[:])
}

// AppendString appends a UTF-8, NUL-terminated string IE.
func (b *Builder) AppendString(id ID, s string) error {
	return b.appendRaw(id, append([]byte(s), 0))
}

// AppendUint16 appends a 2-byte big-endian integer IE (TTL, VERSION,
// EXPIRATION, KEYCRC32 uses AppendUint32 instead).
func (b *Builder) AppendUint16(id ID, v uint16) error {
	var raw [2]byte
	binary.BigEndian.PutUint16(raw[:], v)
	return b.appendRaw(id, raw[:])
}

// AppendUint8 appends a 1-byte integer IE (UNKNOWN_CMD).
func (b *Builder) AppendUint8(id ID, v uint8) error {
	return b.appendRaw(id, []byte{v})
}

// AppendUint32 appends a 4-byte big-endian integer IE (KEYCRC32).
func (b *Builder) AppendUint32(id ID, v uint32) error {
	var raw [4]byte
	binary.BigEndian.PutUint32(raw[:], v)
	return b.appendRaw(id, raw[:])
}

// AppendAnswer appends an ANSWER IE.
func (b *Builder) AppendAnswer(a AnswerValue) error {
	buf := make([]byte, 0, Size+1+2+2+len(a.Dest))
	buf = append(buf, a.EID[:]...)
	buf = append(buf, a.Protocol)
	var u16 [2]byte
	binary.BigEndian.PutUint16(u16[:], a.Flags)
	buf = append(buf, u16[:]...)
	binary.BigEndian.PutUint16(u16[:], a.Weight)
	buf = append(buf, u16[:]...)
	buf = append(buf, []byte(a.Dest)...)
	return b.appendRaw(Answer, buf)
}

// AppendCause appends a CAUSE IE.
func (b *Builder) AppendCause(c CauseValue) error {
	buf := append([]byte{byte(c.Code)}, []byte(c.Desc)...)
	return b.appendRaw(CauseID, buf)
}

// AppendHint appends a HINT IE.
func (b *Builder) AppendHint(h HintValue) error {
	buf := make([]byte, 0, 2+len(h.Prefix))
	var u16 [2]byte
	binary.BigEndian.PutUint16(u16[:], h.Flags)
	buf = append(buf, u16[:]...)
	buf = append(buf, []byte(h.Prefix)...)
	return b.appendRaw(Hint, buf)
}

// AppendEncData appends an ENCDATA IE. Because ENCDATA consumes the
// remainder of the datagram on decode, it must be the last IE appended and
// its declared length byte is ignored by parsers -- only the buffer's own
// accounting enforces MaxFrameSize here.
func (b *Builder) AppendEncData(iv [16]byte, ciphertext []byte) error {
	grown := HeaderSize + b.buf.Len() + 2 + len(iv) + len(ciphertext)
	if grown > MaxFrameSize {
		return fmt.Errorf("ie: frame would exceed %d bytes appending ENCDATA", MaxFrameSize)
	}
	b.buf.WriteByte(byte(EncData))
	length := len(iv) + len(ciphertext)
	if length > 255 {
		length = 255 // declared length is advisory for ENCDATA; real length comes from the datagram remainder
	}
	b.buf.WriteByte(byte(length))
	b.buf.Write(iv[:])
	b.buf.Write(ciphertext)
	return nil
}

// Bytes returns the accumulated IE stream.
func (b *Builder) Bytes() []byte {
	return b.buf.Bytes()
}

// Frame is a fully decoded datagram: header plus the ordered list of IEs it
// carried.
type Frame struct {
	Header Header
	IEs    []Raw
}

// Encode renders a complete datagram: header followed by the builder's
// accumulated IEs.
func Encode(h Header, body *Builder) ([]byte, error) {
	hdr := EncodeHeader(h)
	if len(hdr)+body.Len() > MaxFrameSize {
		return nil, fmt.Errorf("ie: frame exceeds %d bytes: %d", MaxFrameSize, len(hdr)+body.Len())
	}
	out := make([]byte, 0, len(hdr)+body.Len())
	out = append(out, hdr...)
	out = append(out, body.Bytes()...)
	return out, nil
}

// Decode parses a complete datagram into its header and IE list. Unknown IE
// ids are retained as Raw entries (not skipped from the result) so callers
// can log or ignore them, but a parser never fails solely because it saw an
// id it doesn't recognize. ENCDATA, if present, always consumes the
// remainder of the datagram regardless of its declared length, and must be
// the final IE in the stream.
func Decode(buf []byte) (Frame, error) {
	if len(buf) > MaxFrameSize {
		return Frame{}, fmt.Errorf("ie: datagram exceeds %d bytes: %d", MaxFrameSize, len(buf))
	}
	h, err := DecodeHeader(buf)
	if err != nil {
		return Frame{}, err
	}
	if h.Reserved {
		return Frame{}, fmt.Errorf("ie: RESERVED bit set, frame must be dropped")
	}
	body := buf[HeaderSize:]
	var ies []Raw
	for len(body) > 0 {
		if len(body) < 2 {
			return Frame{}, fmt.Errorf("ie: truncated IE header")
		}
		id := ID(body[0])
		length := int(body[1])
		body = body[2:]
		if id == EncData {
			if len(body) < 16 {
				return Frame{}, fmt.Errorf("ie: ENCDATA shorter than IV")
			}
			ies = append(ies, Raw{ID: id, Value: body})
			body = nil
			break
		}
		if length > len(body) {
			return Frame{}, fmt.Errorf("ie: %s declares %d bytes, only %d remain", id, length, len(body))
		}
		ies = append(ies, Raw{ID: id, Value: body[:length]})
		body = body[length:]
	}
	return Frame{Header: h, IEs: ies}, nil
}

// Find returns the first IE with the given id, if any.
func (f Frame) Find(id ID) (Raw, bool) {
	for _, r := range f.IEs {
		if r.ID == id {
			return r, true
		}
	}
	return Raw{}, false
}

// FindAll returns every IE with the given id, in order (used for ANSWER,
// which may repeat).
func (f Frame) FindAll(id ID) []Raw {
	var out []Raw
	for _, r := range f.IEs {
		if r.ID == id {
			out = append(out, r)
		}
	}
	return out
}

// EID decodes a 6-byte EID-shaped IE value.
func (r Raw) EID() (EID, error) {
	var out EID
	if len(r.Value) != Size {
		return out, fmt.Errorf("ie: %s wrong length for EID: %d", r.ID, len(r.Value))
	}
	copy(out[:], r.Value)
	return out, nil
}

// String decodes a NUL-terminated UTF-8 string IE value. A missing
// terminator is tolerated (the whole value is taken as the string) since
// some peers omit it on short IEs.
func (r Raw) String() string {
	if i := bytes.IndexByte(r.Value, 0); i >= 0 {
		return string(r.Value[:i])
	}
	return string(r.Value)
}

// Uint8 decodes a 1-byte integer IE value.
func (r Raw) Uint8() (uint8, error) {
	if len(r.Value) != 1 {
		return 0, fmt.Errorf("ie: %s wrong length for uint8: %d", r.ID, len(r.Value))
	}
	return r.Value[0], nil
}

// Uint16 decodes a 2-byte big-endian integer IE value.
func (r Raw) Uint16() (uint16, error) {
	if len(r.Value) != 2 {
		return 0, fmt.Errorf("ie: %s wrong length for uint16: %d", r.ID, len(r.Value))
	}
	return binary.BigEndian.Uint16(r.Value), nil
}

// Uint32 decodes a 4-byte big-endian integer IE value.
func (r Raw) Uint32() (uint32, error) {
	if len(r.Value) != 4 {
		return 0, fmt.Errorf("ie: %s wrong length for uint32: %d", r.ID, len(r.Value))
	}
	return binary.BigEndian.Uint32(r.Value), nil
}

// Answer decodes an ANSWER IE value.
func (r Raw) Answer() (AnswerValue, error) {
	var out AnswerValue
	if len(r.Value) < Size+1+2+2 {
		return out, fmt.Errorf("ie: ANSWER too short: %d bytes", len(r.Value))
	}
	copy(out.EID[:], r.Value[0:Size])
	out.Protocol = r.Value[Size]
	out.Flags = binary.BigEndian.Uint16(r.Value[Size+1 : Size+3])
	out.Weight = binary.BigEndian.Uint16(r.Value[Size+3 : Size+5])
	out.Dest = string(r.Value[Size+5:])
	return out, nil
}

// Cause decodes a CAUSE IE value.
func (r Raw) Cause() (CauseValue, error) {
	if len(r.Value) < 1 {
		return CauseValue{}, fmt.Errorf("ie: CAUSE too short")
	}
	return CauseValue{Code: Cause(r.Value[0]), Desc: string(r.Value[1:])}, nil
}

// Hint decodes a HINT IE value.
func (r Raw) Hint() (HintValue, error) {
	if len(r.Value) < 2 {
		return HintValue{}, fmt.Errorf("ie: HINT too short")
	}
	return HintValue{
		Flags:  binary.BigEndian.Uint16(r.Value[0:2]),
		Prefix: string(r.Value[2:]),
	}, nil
}

// Dump renders a frame as a one-line human-readable summary for debug
// logging: the header fields followed by each IE's id and byte length.
func (f Frame) Dump() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s strans=%d dtrans=%d iseq=%d oseq=%d final=%v flags=%#x",
		f.Header.Command, f.Header.STrans, f.Header.DTrans,
		f.Header.ISeqNo, f.Header.OSeqNo, f.Header.Final, f.Header.CmdFlags)
	for _, r := range f.IEs {
		fmt.Fprintf(&buf, " %s(%d)", r.ID, len(r.Value))
	}
	return buf.String()
}

// EncData decodes an ENCDATA IE value.
func (r Raw) EncData() (EncDataValue, error) {
	var out EncDataValue
	if len(r.Value) < 16 {
		return out, fmt.Errorf("ie: ENCDATA too short")
	}
	copy(out.IV[:], r.Value[:16])
	out.Ciphertext = r.Value[16:]
	return out, nil
}
