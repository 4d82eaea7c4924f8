package dispatch

import (
	"context"
	"hash/crc32"
	"net"
	"time"

	"github.com/dundi-net/dundi/cache"
	"github.com/dundi-net/dundi/config"
	"github.com/dundi-net/dundi/ie"
	"github.com/dundi-net/dundi/request"
	"github.com/dundi-net/dundi/trans"
	"github.com/dundi-net/dundi/xcrypto"
)

// mappingsForContext filters mappings to the ones this dcontext advertises.
func mappingsForContext(mappings []config.Mapping, dcontext string) []config.Mapping {
	var out []config.Mapping
	for _, m := range mappings {
		if m.DContext == dcontext {
			out = append(out, m)
		}
	}
	return out
}

// requesterOf pulls the EID IE (the conversation's root requester) out of
// frame and records it on tr, if present.
func requesterOf(frame ie.Frame, tr *trans.Transaction) {
	raw, ok := frame.Find(ie.SelfEID)
	if !ok {
		return
	}
	if eid, err := raw.EID(); err == nil {
		tr.ThemEID = eid
	}
}

// handleDPDiscover answers an inbound number lookup from local mappings
// (spec.md §4.6): EXISTS/CANMATCH/MATCHMORE/IGNOREPAT evaluation against
// the dialplan, gated by whether the requester is permitted to ask about
// the context at all.
func (h *Handler) handleDPDiscover(ctx context.Context, addr *net.UDPAddr, frame ie.Frame, tr *trans.Transaction) {
	requesterOf(frame, tr)

	ccRaw, ok := frame.Find(ie.CalledContext)
	if !ok {
		h.replyInvalid(addr, frame)
		return
	}
	cnRaw, ok := frame.Find(ie.CalledNumber)
	if !ok {
		h.replyInvalid(addr, frame)
		return
	}
	dcontext := ccRaw.String()
	number := cnRaw.String()
	tr.Number = number
	tr.DContext = dcontext

	requester, known := h.registry.Get(tr.ThemEID)
	if !known || !requester.MayAskUsAbout(dcontext) {
		h.sendDPResponse(tr, ie.CauseNoAuth, nil, nil)
		return
	}

	mappings := mappingsForContext(h.mappings, dcontext)
	result, err := request.EvaluateLocal(ctx, h.dlp, mappings, number, h.expand)
	if err != nil {
		h.log.Printf("local evaluation of %s/%s failed: %v", dcontext, number, err)
		h.sendDPResponse(tr, ie.CauseGeneral, nil, nil)
		return
	}
	for i := range result.Answers {
		result.Answers[i].EID = h.us
	}
	var hint *ie.HintValue
	if result.HintDontAsk {
		hint = &ie.HintValue{Flags: ie.HintDontAsk, Prefix: result.HintPrefix}
	}
	h.sendDPResponse(tr, ie.CauseSuccess, result.Answers, hint)
}

// sendDPResponse builds and sends a DPRESPONSE frame carrying answers (or
// a DONT_ASK hint, or a failure cause with neither), and tears the
// transaction down as the final leg of the conversation.
func (h *Handler) sendDPResponse(tr *trans.Transaction, cause ie.Cause, answers []ie.AnswerValue, hint *ie.HintValue) {
	b := ie.NewBuilder()
	_ = b.AppendCause(ie.CauseValue{Code: cause})
	if cause == ie.CauseSuccess {
		_ = b.AppendUint16(ie.Expiration, uint16(h.ttl))
	}
	for i, a := range answers {
		if i >= ie.MaxFrameAnswers {
			break
		}
		if err := b.AppendAnswer(a); err != nil {
			h.log.Printf("dropping answer from DPRESPONSE, frame full: %v", err)
			break
		}
	}
	if hint != nil {
		_ = b.AppendHint(*hint)
	}
	hdr := ie.Header{STrans: tr.STrans, DTrans: tr.DTrans, ISeqNo: tr.ISeqNo, OSeqNo: tr.OSeqNo, Command: ie.CmdDPResponse, Final: true}
	wire, err := ie.Encode(hdr, b)
	if err != nil {
		h.log.Printf("encode DPRESPONSE failed: %v", err)
		return
	}
	if err := tr.Send(wire, false, true); err != nil {
		h.log.Printf("send DPRESPONSE to %s failed: %v", tr.RemoteAddr, err)
	}
}

// handleDPResponse is the asker's side: decode the answer set, cache it
// (spec.md §4.8 applies regardless of which component drove the
// transaction), and hand it to the request coordinator.
func (h *Handler) handleDPResponse(frame ie.Frame, tr *trans.Transaction) {
	causeVal := ie.CauseValue{Code: ie.CauseSuccess}
	if raw, ok := frame.Find(ie.CauseID); ok {
		if c, err := raw.Cause(); err == nil {
			causeVal = c
		}
	}
	var answers []ie.AnswerValue
	for _, raw := range frame.FindAll(ie.Answer) {
		a, err := raw.Answer()
		if err != nil {
			continue
		}
		answers = append(answers, a)
	}
	expireDuration := time.Duration(h.ttl) * time.Second
	if raw, ok := frame.Find(ie.Expiration); ok {
		if exp, err := raw.Uint16(); err == nil {
			expireDuration = time.Duration(exp) * time.Second
		}
	}
	expireEpoch := time.Now().Add(expireDuration).Unix()

	if !causeVal.Code.IsFailure() && tr.Number != "" {
		crc := cacheCRC(tr.EIDs)
		if err := h.store.PutAnswer(context.Background(), tr.ThemEID, tr.Number, tr.DContext, crc, h.us, answers, expireDuration, cache.Pulled, false); err != nil {
			h.log.Printf("caching answer for %s/%s failed: %v", tr.DContext, tr.Number, err)
		}
	}
	if h.sink != nil {
		h.sink.OnDPResponse(tr, causeVal.Code, answers, expireEpoch)
	}
}

// handleNull implements the qualify ping: CmdNull is used both to ask
// ("are you there") and to answer (a NULL carrying the FINAL bit), so the
// two directions are told apart by the inbound FINAL bit rather than by
// command id. The asker's side just closes its transaction out; the
// round-trip time is read off by whoever set the notifier (sched's qualify
// driver).
func (h *Handler) handleNull(frame ie.Frame, tr *trans.Transaction) {
	if frame.Header.Final {
		tr.Destroy(trans.CauseFinal)
		return
	}
	hdr := ie.Header{STrans: tr.STrans, DTrans: tr.DTrans, ISeqNo: tr.ISeqNo, OSeqNo: tr.OSeqNo, Command: ie.CmdNull, Final: true}
	wire, err := ie.Encode(hdr, ie.NewBuilder())
	if err != nil {
		return
	}
	_ = tr.Send(wire, false, true)
}

// handleCancel tears the transaction down without a reply; CANCEL is
// itself a unilateral notice, not a request for an ACK'd conversation.
func (h *Handler) handleCancel(tr *trans.Transaction) {
	tr.Destroy(trans.CauseCancelled)
}

// handleEIDQuery answers a request for our own directory entry; queries
// about any other EID get an empty EIDRESPONSE since this node has no
// notion of answering on a third party's behalf.
func (h *Handler) handleEIDQuery(frame ie.Frame, tr *trans.Transaction) {
	requesterOf(frame, tr)
	var target ie.EID
	if raw, ok := frame.Find(ie.ReqEID); ok {
		target, _ = raw.EID()
	}

	b := ie.NewBuilder()
	if target == h.us {
		appendIdentityIEs(b, h.identity)
	}
	hdr := ie.Header{STrans: tr.STrans, DTrans: tr.DTrans, ISeqNo: tr.ISeqNo, OSeqNo: tr.OSeqNo, Command: ie.CmdEIDResponse, Final: true}
	wire, err := ie.Encode(hdr, b)
	if err != nil {
		return
	}
	_ = tr.Send(wire, false, true)
}

func appendIdentityIEs(b *ie.Builder, id Identity) {
	if id.Department != "" {
		_ = b.AppendString(ie.Department, id.Department)
	}
	if id.Org != "" {
		_ = b.AppendString(ie.Organization, id.Org)
	}
	if id.Locality != "" {
		_ = b.AppendString(ie.Locality, id.Locality)
	}
	if id.Stateprov != "" {
		_ = b.AppendString(ie.StateProv, id.Stateprov)
	}
	if id.Country != "" {
		_ = b.AppendString(ie.Country, id.Country)
	}
	if id.Email != "" {
		_ = b.AppendString(ie.Email, id.Email)
	}
	if id.Phone != "" {
		_ = b.AppendString(ie.Phone, id.Phone)
	}
}

// handleEIDResponse has nothing further to do beyond the sequence-number
// ACK already sent; directory lookups aren't threaded back into any
// caller in this engine.
func (h *Handler) handleEIDResponse(_ ie.Frame, tr *trans.Transaction) {
	tr.Destroy(trans.CauseFinal)
}

// handlePrecacheRq accepts an unsolicited answer push (spec.md's
// PRECACHERQ), gated by the sender's precache permission, and stores it as
// a Pushed cache row (extra slack, CRC forced to zero so any requester's
// avoidance stack can reuse it).
func (h *Handler) handlePrecacheRq(ctx context.Context, frame ie.Frame, tr *trans.Transaction) {
	requesterOf(frame, tr)
	ccRaw, ok := frame.Find(ie.CalledContext)
	if !ok {
		return
	}
	cnRaw, ok := frame.Find(ie.CalledNumber)
	if !ok {
		return
	}
	dcontext := ccRaw.String()
	number := cnRaw.String()

	sender, known := h.registry.Get(tr.ThemEID)
	if !known || !sender.MayPrecacheUsAbout(dcontext) {
		return
	}

	var answers []ie.AnswerValue
	for _, raw := range frame.FindAll(ie.Answer) {
		if a, err := raw.Answer(); err == nil {
			answers = append(answers, a)
		}
	}
	expire := time.Duration(h.ttl) * time.Second
	if raw, ok := frame.Find(ie.Expiration); ok {
		if exp, err := raw.Uint16(); err == nil {
			expire = time.Duration(exp) * time.Second
		}
	}
	if err := h.store.PutAnswer(ctx, tr.ThemEID, number, dcontext, 0, h.us, answers, expire, cache.Pushed, true); err != nil {
		h.log.Printf("caching precache push for %s/%s failed: %v", dcontext, number, err)
	}

	hdr := ie.Header{STrans: tr.STrans, DTrans: tr.DTrans, ISeqNo: tr.ISeqNo, OSeqNo: tr.OSeqNo, Command: ie.CmdPrecacheRp, Final: true}
	wire, err := ie.Encode(hdr, ie.NewBuilder())
	if err != nil {
		return
	}
	_ = tr.Send(wire, false, true)
}

// handlePrecacheRp closes out a precache push we initiated; there is
// nothing further to do once the peer has acknowledged it.
func (h *Handler) handlePrecacheRp(tr *trans.Transaction) {
	tr.Destroy(trans.CauseFinal)
}

// handleRegReq accepts a dynamic peer's address registration, updating the
// registry and its durable copy so a restart doesn't forget where a
// dynamic peer last registered from.
func (h *Handler) handleRegReq(addr *net.UDPAddr, frame ie.Frame, tr *trans.Transaction) {
	requesterOf(frame, tr)
	if tr.ThemEID.IsZero() {
		h.sendRegResponse(tr, ie.CauseNoAuth)
		return
	}
	if _, known := h.registry.Get(tr.ThemEID); !known {
		h.sendRegResponse(tr, ie.CauseNoAuth)
		return
	}
	changed := h.registry.UpdateAddress(tr.ThemEID, addr)
	if changed {
		expire := time.Now().Add(time.Duration(h.ttl) * time.Second).Unix()
		row := cache.DPeerRow{IP: addr.IP.String(), Port: addr.Port, Expire: expire}
		if err := h.store.PutDPeer(context.Background(), tr.ThemEID, row); err != nil {
			h.log.Printf("persisting dynamic peer %s failed: %v", tr.ThemEID, err)
		}
	}
	h.sendRegResponse(tr, ie.CauseSuccess)
}

func (h *Handler) sendRegResponse(tr *trans.Transaction, cause ie.Cause) {
	b := ie.NewBuilder()
	_ = b.AppendCause(ie.CauseValue{Code: cause})
	hdr := ie.Header{STrans: tr.STrans, DTrans: tr.DTrans, ISeqNo: tr.ISeqNo, OSeqNo: tr.OSeqNo, Command: ie.CmdRegResponse, Final: true}
	wire, err := ie.Encode(hdr, b)
	if err != nil {
		return
	}
	_ = tr.Send(wire, false, true)
}

// handleRegResponse closes out a registration transaction we initiated;
// there's nothing further the caller needs told since a failed
// registration simply leaves the peer unreachable until the next attempt.
func (h *Handler) handleRegResponse(_ ie.Frame, tr *trans.Transaction) {
	tr.Destroy(trans.CauseFinal)
}

// handleEncrypt opens an ENCRYPT frame's SHAREDKEY/SIGNATURE/ENCDATA,
// caches the resulting session, and re-dispatches the recovered plaintext
// frame through the same command table. Any failure to verify or decrypt
// is answered with ENCREJ so the peer resends with a full key instead of
// the KEYCRC32 fast path.
func (h *Handler) handleEncrypt(addr *net.UDPAddr, frame ie.Frame, tr *trans.Transaction) {
	requesterOf(frame, tr)

	skRaw, hasKey := frame.Find(ie.SharedKey)
	sigRaw, hasSig := frame.Find(ie.Signature)
	edRaw, hasData := frame.Find(ie.EncData)
	if !hasKey || !hasSig || !hasData || h.ourPriv == nil {
		h.sendEncRej(tr)
		return
	}
	pub, known := h.peerKeys[tr.ThemEID]
	if !known {
		h.sendEncRej(tr)
		return
	}
	if len(skRaw.Value) != xcrypto.BlockSize || len(sigRaw.Value) != xcrypto.BlockSize || len(edRaw.Value) < 16 {
		h.sendEncRej(tr)
		return
	}
	var wrapped, sig [xcrypto.BlockSize]byte
	copy(wrapped[:], skRaw.Value)
	copy(sig[:], sigRaw.Value)

	sess, err := xcrypto.OpenSharedKey(h.ourPriv, pub, wrapped, sig)
	if err != nil {
		h.sendEncRej(tr)
		return
	}
	var iv [16]byte
	copy(iv[:], edRaw.Value[:16])
	plaintext, err := xcrypto.DecryptRecord(sess, xcrypto.Record{IV: iv, Ciphertext: edRaw.Value[16:]})
	if err != nil {
		h.sendEncRej(tr)
		return
	}

	h.sessions[tr.ThemEID] = sess
	tr.Session = &sess
	tr.Flags.Encrypt = true

	inner, err := ie.Decode(plaintext)
	if err != nil {
		h.log.Printf("decode of decrypted inner frame from %s failed: %v", tr.ThemEID, err)
		return
	}
	h.routeCommand(context.Background(), addr, inner, tr)
}

func (h *Handler) sendEncRej(tr *trans.Transaction) {
	hdr := ie.Header{STrans: tr.STrans, DTrans: tr.DTrans, ISeqNo: tr.ISeqNo, OSeqNo: tr.OSeqNo, Command: ie.CmdEncRej, Final: true}
	wire, err := ie.Encode(hdr, ie.NewBuilder())
	if err != nil {
		return
	}
	_ = tr.Send(wire, false, true)
}

// handleEncRej means our own ENCRYPT frame couldn't be opened; the next
// attempt on this transaction must carry a full SHAREDKEY+SIGNATURE again
// rather than relying on a cached session.
func (h *Handler) handleEncRej(tr *trans.Transaction) {
	tr.Flags.SendFullKey = true
	delete(h.sessions, tr.ThemEID)
}

// cacheCRC computes the crc32 the cache key space expects for an
// avoidance stack: big-endian concatenation of each EID, in stack order.
// Mirrors request.avoidCRC; kept as its own small copy here since dispatch
// must be able to compute it from a transaction's EIDs without reaching
// into request's unexported helpers.
func cacheCRC(stack []ie.EID) uint32 {
	buf := make([]byte, 0, len(stack)*ie.Size)
	for _, e := range stack {
		buf = append(buf, e[:]...)
	}
	return crc32.ChecksumIEEE(buf)
}
