package dispatch

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net"
	"testing"
	"time"

	"github.com/dundi-net/dundi/cache"
	"github.com/dundi-net/dundi/cache/memstore"
	"github.com/dundi-net/dundi/config"
	"github.com/dundi-net/dundi/dialplan"
	"github.com/dundi-net/dundi/ie"
	"github.com/dundi-net/dundi/peer"
	"github.com/dundi-net/dundi/trans"
	"github.com/dundi-net/dundi/xcrypto"
)

func addr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port}
}

func eid(b byte) ie.EID {
	var e ie.EID
	e[5] = b
	return e
}

type recordingSink struct {
	calls []struct {
		cause   ie.Cause
		answers []ie.AnswerValue
	}
}

func (s *recordingSink) OnDPResponse(_ *trans.Transaction, cause ie.Cause, answers []ie.AnswerValue, _ int64) {
	s.calls = append(s.calls, struct {
		cause   ie.Cause
		answers []ie.AnswerValue
	}{cause, answers})
}

type sentFrame struct {
	to   *net.UDPAddr
	wire []byte
}

func newTestHandler(t *testing.T, us ie.EID, registry *peer.Registry, sink ResponseSink, mappings []config.Mapping, dlp dialplan.Dialplan) (*Handler, *[]sentFrame) {
	t.Helper()
	var sent []sentFrame
	send := func(a *net.UDPAddr, wire []byte) error {
		sent = append(sent, sentFrame{to: a, wire: append([]byte(nil), wire...)})
		return nil
	}
	store := cache.New(memstore.New(), time.Now)
	h := New(Config{
		Us:       us,
		Send:     send,
		TransMgr: trans.NewManager(),
		Registry: registry,
		Store:    store,
		Sink:     sink,
		Dialplan: dlp,
		Mappings: mappings,
		Expand:   func(template, number string) string { return template },
		TTL:      60,
	})
	return h, &sent
}

func discoverFrame(strans uint16, dcontext, number string, requester ie.EID) []byte {
	b := ie.NewBuilder()
	_ = b.AppendString(ie.CalledContext, dcontext)
	_ = b.AppendString(ie.CalledNumber, number)
	_ = b.AppendUint16(ie.TTL, 60)
	_ = b.AppendEID(ie.SelfEID, requester)
	hdr := ie.Header{STrans: strans, OSeqNo: 0, ISeqNo: 0, Command: ie.CmdDPDiscover}
	wire, err := ie.Encode(hdr, b)
	if err != nil {
		panic(err)
	}
	return wire
}

func decodeDPResponse(t *testing.T, wire []byte) (ie.Frame, ie.CauseValue) {
	t.Helper()
	fr, err := ie.Decode(wire)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	cv := ie.CauseValue{Code: ie.CauseSuccess}
	if raw, ok := fr.Find(ie.CauseID); ok {
		cv, _ = raw.Cause()
	}
	return fr, cv
}

func TestHandleDPDiscoverDenied(t *testing.T) {
	us := eid(1)
	registry := peer.NewRegistry()
	h, sent := newTestHandler(t, us, registry, nil, nil, dialplan.NewStatic(nil))

	requester := eid(2)
	wire := discoverFrame(10, "e164", "5551212", requester)
	h.HandleDatagram(context.Background(), addr(4569), wire)

	if len(*sent) == 0 {
		t.Fatal("expected a reply to be sent")
	}
	_, cv := decodeDPResponse(t, (*sent)[len(*sent)-1].wire)
	if cv.Code != ie.CauseNoAuth {
		t.Fatalf("cause = %v, want NOAUTH (unknown requester)", cv.Code)
	}
}

func TestHandleDPDiscoverExactMatch(t *testing.T) {
	us := eid(1)
	requester := eid(2)
	registry := peer.NewRegistry()
	registry.Put(&peer.Peer{
		EID:   requester,
		Addr:  addr(4520),
		Model: peer.ModelBoth,
		Permit: peer.ACL{{Action: peer.Allow, Name: "all"}},
	})

	mappings := []config.Mapping{{DContext: "e164", LContext: "local", Weight: 0, Tech: "IAX2", DestTemplate: "dundi:${NUMBER}@home"}}
	dlp := dialplan.NewStatic(map[string][]dialplan.Entry{"local": {{Number: "5551212"}}})
	h, sent := newTestHandler(t, us, registry, nil, mappings, dlp)

	wire := discoverFrame(10, "e164", "5551212", requester)
	h.HandleDatagram(context.Background(), addr(4569), wire)

	if len(*sent) == 0 {
		t.Fatal("expected a DPRESPONSE to be sent")
	}
	fr, cv := decodeDPResponse(t, (*sent)[len(*sent)-1].wire)
	if cv.Code != ie.CauseSuccess {
		t.Fatalf("cause = %v, want SUCCESS", cv.Code)
	}
	answers := fr.FindAll(ie.Answer)
	if len(answers) != 1 {
		t.Fatalf("got %d answers, want 1", len(answers))
	}
	a, err := answers[0].Answer()
	if err != nil {
		t.Fatalf("decode answer: %v", err)
	}
	if a.Flags&ie.FlagExists == 0 {
		t.Fatalf("answer flags = %#x, want EXISTS set", a.Flags)
	}
	if a.EID != us {
		t.Fatalf("answer EID = %v, want %v", a.EID, us)
	}
}

func TestHandleDPDiscoverNoMatchProducesHint(t *testing.T) {
	us := eid(1)
	requester := eid(2)
	registry := peer.NewRegistry()
	registry.Put(&peer.Peer{
		EID: requester, Addr: addr(4520), Model: peer.ModelBoth,
		Permit: peer.ACL{{Action: peer.Allow, Name: "all"}},
	})
	mappings := []config.Mapping{{DContext: "e164", LContext: "local", Options: []string{"nopartial"}}}
	dlp := dialplan.NewStatic(map[string][]dialplan.Entry{"local": {{Number: "5551212"}}})
	h, sent := newTestHandler(t, us, registry, nil, mappings, dlp)

	wire := discoverFrame(10, "e164", "999", requester)
	h.HandleDatagram(context.Background(), addr(4569), wire)

	fr, cv := decodeDPResponse(t, (*sent)[len(*sent)-1].wire)
	if cv.Code != ie.CauseSuccess {
		t.Fatalf("cause = %v, want SUCCESS even on a miss", cv.Code)
	}
	if len(fr.FindAll(ie.Answer)) != 0 {
		t.Fatal("expected no answers for a non-matching number")
	}
	if _, ok := fr.Find(ie.Hint); !ok {
		t.Fatal("expected a HINT IE for a dead-end number")
	}
}

func TestHandleDPResponseCachesAndNotifiesSink(t *testing.T) {
	us := eid(1)
	them := eid(2)
	registry := peer.NewRegistry()
	sink := &recordingSink{}
	h, _ := newTestHandler(t, us, registry, sink, nil, dialplan.NewStatic(nil))

	tr := h.transMgr.Create(addr(4520), h.send, 0)
	tr.ThemEID = them
	tr.Number = "5551212"
	tr.DContext = "e164"
	h.transMgr.Bind(tr)

	b := ie.NewBuilder()
	_ = b.AppendCause(ie.CauseValue{Code: ie.CauseSuccess})
	_ = b.AppendUint16(ie.Expiration, 60)
	_ = b.AppendAnswer(ie.AnswerValue{EID: them, Protocol: 1, Flags: ie.FlagExists, Weight: 0, Dest: "dundi:5551212@home"})
	hdr := ie.Header{STrans: tr.DTrans, DTrans: tr.STrans, OSeqNo: 0, ISeqNo: 0, Command: ie.CmdDPResponse, Final: true}
	wire, err := ie.Encode(hdr, b)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	h.HandleDatagram(context.Background(), addr(4520), wire)

	if len(sink.calls) != 1 {
		t.Fatalf("sink got %d calls, want 1", len(sink.calls))
	}
	if sink.calls[0].cause != ie.CauseSuccess {
		t.Fatalf("sink cause = %v, want SUCCESS", sink.calls[0].cause)
	}
	if len(sink.calls[0].answers) != 1 {
		t.Fatalf("sink answers = %d, want 1", len(sink.calls[0].answers))
	}

	row, hit, err := h.store.GetAnswerByCRC(context.Background(), them, "5551212", "e164", cacheCRC(nil))
	if err != nil {
		t.Fatalf("cache lookup failed: %v", err)
	}
	if !hit {
		t.Fatal("expected the DPRESPONSE to have been cached")
	}
	if len(row.Answers) != 1 {
		t.Fatalf("cached row has %d answers, want 1", len(row.Answers))
	}
}

func TestHandleNullReplies(t *testing.T) {
	us := eid(1)
	registry := peer.NewRegistry()
	h, _ := newTestHandler(t, us, registry, nil, nil, dialplan.NewStatic(nil))

	tr := h.transMgr.Create(addr(4520), h.send, 0)
	tr.DTrans = 99
	h.transMgr.Bind(tr)

	hdr := ie.Header{STrans: tr.DTrans, DTrans: tr.STrans, Command: ie.CmdNull}
	wire, err := ie.Encode(hdr, ie.NewBuilder())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	h.HandleDatagram(context.Background(), addr(4520), wire)

	if tr.OSeqNo == 0 {
		t.Fatal("expected a NULL reply to have been sent")
	}
}

func TestHandleCancelDestroysTransaction(t *testing.T) {
	us := eid(1)
	registry := peer.NewRegistry()
	h, _ := newTestHandler(t, us, registry, nil, nil, dialplan.NewStatic(nil))

	tr := h.transMgr.Create(addr(4520), h.send, 0)
	tr.DTrans = 55
	h.transMgr.Bind(tr)

	hdr := ie.Header{STrans: tr.DTrans, DTrans: tr.STrans, Command: ie.CmdCancel, Final: true}
	wire, err := ie.Encode(hdr, ie.NewBuilder())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	h.HandleDatagram(context.Background(), addr(4520), wire)

	if !tr.IsDead() {
		t.Fatal("expected CANCEL to destroy the transaction")
	}
}

func TestHandleEIDQueryRespondsWithIdentityForSelf(t *testing.T) {
	us := eid(1)
	requester := eid(2)
	registry := peer.NewRegistry()
	h, sent := newTestHandler(t, us, registry, nil, nil, dialplan.NewStatic(nil))
	h.identity = Identity{Org: "Acme", Email: "ops@example.com"}

	b := ie.NewBuilder()
	_ = b.AppendEID(ie.SelfEID, requester)
	_ = b.AppendEID(ie.ReqEID, us)
	hdr := ie.Header{STrans: 1, Command: ie.CmdEIDQuery}
	wire, err := ie.Encode(hdr, b)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	h.HandleDatagram(context.Background(), addr(4530), wire)

	fr, err := ie.Decode((*sent)[len(*sent)-1].wire)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	raw, ok := fr.Find(ie.Organization)
	if !ok {
		t.Fatal("expected an ORGANIZATION IE in the EIDRESPONSE")
	}
	if raw.String() != "Acme" {
		t.Fatalf("org = %q, want Acme", raw.String())
	}
}

func TestHandleEncryptRejectsUnknownPeer(t *testing.T) {
	us := eid(1)
	registry := peer.NewRegistry()
	priv, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	h, sent := newTestHandler(t, us, registry, nil, nil, dialplan.NewStatic(nil))
	h.ourPriv = priv

	b := ie.NewBuilder()
	_ = b.AppendEID(ie.SelfEID, eid(9))
	var sk, sig [xcrypto.BlockSize]byte
	_ = b.AppendRaw(ie.SharedKey, sk[:])
	_ = b.AppendRaw(ie.Signature, sig[:])
	_ = b.AppendEncData([16]byte{}, make([]byte, 16))
	hdr := ie.Header{STrans: 1, Command: ie.CmdEncrypt}
	wire, err := ie.Encode(hdr, b)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	h.HandleDatagram(context.Background(), addr(4540), wire)

	fr, err := ie.Decode((*sent)[len(*sent)-1].wire)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if fr.Header.Command != ie.CmdEncRej {
		t.Fatalf("reply command = %v, want ENCREJ", fr.Header.Command)
	}
}

func TestHandleEncRejSetsFullKeyFlag(t *testing.T) {
	us := eid(1)
	registry := peer.NewRegistry()
	h, _ := newTestHandler(t, us, registry, nil, nil, dialplan.NewStatic(nil))

	tr := h.transMgr.Create(addr(4550), h.send, 0)
	tr.DTrans = 7
	tr.ThemEID = eid(3)
	h.transMgr.Bind(tr)
	h.sessions[tr.ThemEID] = xcrypto.Session{Key: make([]byte, xcrypto.AESKeySize)}

	hdr := ie.Header{STrans: tr.DTrans, DTrans: tr.STrans, Command: ie.CmdEncRej}
	wire, err := ie.Encode(hdr, ie.NewBuilder())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	h.HandleDatagram(context.Background(), addr(4550), wire)

	if !tr.Flags.SendFullKey {
		t.Fatal("expected SendFullKey to be set after ENCREJ")
	}
	if _, cached := h.sessions[tr.ThemEID]; cached {
		t.Fatal("expected the cached session to be dropped after ENCREJ")
	}
}

func TestSendDiscoverAndSendCancel(t *testing.T) {
	us := eid(1)
	registry := peer.NewRegistry()
	h, sent := newTestHandler(t, us, registry, nil, nil, dialplan.NewStatic(nil))

	tr := h.transMgr.Create(addr(4560), h.send, 0)
	p := &peer.Peer{EID: eid(4), Addr: addr(4560)}
	if err := h.SendDiscover(context.Background(), p, tr, "5551212", "e164", 60, []ie.EID{us, eid(4)}); err != nil {
		t.Fatalf("SendDiscover: %v", err)
	}
	if len(*sent) != 1 {
		t.Fatalf("got %d sent frames, want 1", len(*sent))
	}
	fr, err := ie.Decode((*sent)[0].wire)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fr.Header.Command != ie.CmdDPDiscover {
		t.Fatalf("command = %v, want DPDISCOVER", fr.Header.Command)
	}
	if raw, ok := fr.Find(ie.EIDDirect); !ok || raw.Value == nil {
		t.Fatal("expected an EID_DIRECT IE for the avoidance stack")
	}

	if err := h.SendCancel(tr); err != nil {
		t.Fatalf("SendCancel: %v", err)
	}
	fr2, err := ie.Decode((*sent)[1].wire)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fr2.Header.Command != ie.CmdCancel || !fr2.Header.Final {
		t.Fatalf("cancel frame = %+v, want final CANCEL", fr2.Header)
	}
}
