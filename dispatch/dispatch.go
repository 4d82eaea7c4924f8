// Package dispatch implements the command state machine (spec.md §4.5):
// decoding an inbound datagram, running the sequence-number acceptance
// rules over the transaction it belongs to, and routing by command id to
// the handler that knows how to answer it. It is the inbound half of a
// lookup conversation (answering someone else's DPDISCOVER by calling
// request.EvaluateLocal directly) and, via the Handler.SendDiscover/
// SendCancel methods, the wire-writing half of the outbound request
// coordinator's conversations.
package dispatch

import (
	"context"
	"crypto/rsa"
	"net"

	"github.com/dundi-net/dundi/cache"
	"github.com/dundi-net/dundi/config"
	"github.com/dundi-net/dundi/dialplan"
	"github.com/dundi-net/dundi/dlog"
	"github.com/dundi-net/dundi/ie"
	"github.com/dundi-net/dundi/peer"
	"github.com/dundi-net/dundi/request"
	"github.com/dundi-net/dundi/trans"
	"github.com/dundi-net/dundi/xcrypto"
)

// Identity is the local node's directory information, advertised in
// EIDRESPONSE per spec.md's EIDQUERY/EIDRESPONSE conversation.
type Identity struct {
	Department string
	Org        string
	Locality   string
	Stateprov  string
	Country    string
	Email      string
	Phone      string
}

// ResponseSink is the subset of request.Coordinator a Handler needs to
// deliver inbound replies to: merging answers into a pending lookup. Kept narrow, and
// satisfied structurally by *request.Coordinator, so dispatch never
// imports request's internals, only its exported surface.
type ResponseSink interface {
	OnDPResponse(tr *trans.Transaction, cause ie.Cause, answers []ie.AnswerValue, expiration int64)
}

// Handler owns the command table: it decodes inbound frames, drives each
// transaction's sequence-number bookkeeping, and answers or forwards each
// recognized command. It implements request.Transport so the coordinator
// can ask it to put DPDISCOVER/CANCEL frames on the wire without either
// package importing the other's internals.
type Handler struct {
	us       ie.EID
	send     trans.Sender
	transMgr *trans.Manager
	registry *peer.Registry
	store    *cache.Cache
	sink     ResponseSink
	dlp      dialplan.Dialplan
	mappings []config.Mapping
	expand   request.Expander
	ttl      int
	authDbg  bool
	identity Identity

	ourPriv  *rsa.PrivateKey
	peerKeys map[ie.EID]*rsa.PublicKey

	// sessions records the AES session opened for a peer's last ENCRYPT and
	// is cleared for that peer by ENCREJ. It is not read back: every ENCRYPT
	// frame must carry SHAREDKEY and SIGNATURE, and one without them is
	// answered with ENCREJ.
	sessions map[ie.EID]xcrypto.Session

	log *dlog.Logger
}

// Config bundles a Handler's fixed dependencies, supplied once at startup.
type Config struct {
	Us       ie.EID
	Send     trans.Sender
	TransMgr *trans.Manager
	Registry *peer.Registry
	Store    *cache.Cache
	Sink     ResponseSink
	Dialplan dialplan.Dialplan
	Mappings []config.Mapping
	Expand    request.Expander
	TTL       int
	AuthDebug bool
	Identity  Identity

	// OurPriv and PeerKeys supply the RSA material ENCRYPT/ENCREJ handling
	// needs; a peer missing from PeerKeys can't have an ENCRYPT frame
	// opened and is answered with ENCREJ instead.
	OurPriv  *rsa.PrivateKey
	PeerKeys map[ie.EID]*rsa.PublicKey
}

// New builds a Handler from cfg.
func New(cfg Config) *Handler {
	peerKeys := cfg.PeerKeys
	if peerKeys == nil {
		peerKeys = make(map[ie.EID]*rsa.PublicKey)
	}
	return &Handler{
		us:       cfg.Us,
		send:     cfg.Send,
		transMgr: cfg.TransMgr,
		registry: cfg.Registry,
		store:    cfg.Store,
		sink:     cfg.Sink,
		dlp:      cfg.Dialplan,
		mappings: cfg.Mappings,
		expand:   cfg.Expand,
		ttl:      cfg.TTL,
		authDbg:  cfg.AuthDebug,
		identity: cfg.Identity,
		ourPriv:  cfg.OurPriv,
		peerKeys: peerKeys,
		sessions: make(map[ie.EID]xcrypto.Session),
		log:      dlog.New("dispatch"),
	}
}

// HandleDatagram decodes buf as one inbound frame from addr and routes it
// to the matching command handler. Decode failures and the RESERVED bit
// both result in the datagram being silently dropped, per spec.md §4.1.
func (h *Handler) HandleDatagram(ctx context.Context, addr *net.UDPAddr, buf []byte) {
	frame, err := ie.Decode(buf)
	if err != nil {
		h.log.Printf("dropping malformed datagram from %s: %v", addr, err)
		return
	}

	tr, known := h.transMgr.Find(addr, frame.Header.STrans, frame.Header.DTrans)
	if !known {
		if !opensTransaction(frame.Header.Command) {
			// A response/ack/cancel for a transaction we've never heard
			// of: nothing to do but drop it.
			return
		}
		tr = h.transMgr.Create(addr, h.send, 0)
		tr.DTrans = frame.Header.STrans
		h.transMgr.Bind(tr)
	}

	ackOnly := frame.Header.Command == ie.CmdACK
	process, needAck, _ := tr.AcceptInbound(frame.Header.OSeqNo, frame.Header.ISeqNo, ackOnly)
	if needAck {
		h.sendAck(tr)
	}
	if !process {
		return
	}
	if tr.DTrans == 0 {
		tr.DTrans = frame.Header.STrans
	}

	h.routeCommand(ctx, addr, frame, tr)
}

// routeCommand dispatches an already sequence-accepted frame by command
// id. Split out from HandleDatagram so handleEncrypt can re-dispatch the
// plaintext frame recovered from an ENCDATA payload through the same
// table, without redoing sequence-number bookkeeping on the way in.
func (h *Handler) routeCommand(ctx context.Context, addr *net.UDPAddr, frame ie.Frame, tr *trans.Transaction) {
	switch frame.Header.Command {
	case ie.CmdACK:
		// Pure ACK: sequence bookkeeping above already did everything
		// this command requires.
	case ie.CmdDPDiscover:
		h.handleDPDiscover(ctx, addr, frame, tr)
	case ie.CmdDPResponse:
		h.handleDPResponse(frame, tr)
	case ie.CmdEIDQuery:
		h.handleEIDQuery(frame, tr)
	case ie.CmdEIDResponse:
		h.handleEIDResponse(frame, tr)
	case ie.CmdPrecacheRq:
		h.handlePrecacheRq(ctx, frame, tr)
	case ie.CmdPrecacheRp:
		h.handlePrecacheRp(tr)
	case ie.CmdNull:
		h.handleNull(frame, tr)
	case ie.CmdRegReq:
		h.handleRegReq(addr, frame, tr)
	case ie.CmdRegResponse:
		h.handleRegResponse(frame, tr)
	case ie.CmdCancel:
		h.handleCancel(tr)
	case ie.CmdEncrypt:
		h.handleEncrypt(addr, frame, tr)
	case ie.CmdEncRej:
		h.handleEncRej(tr)
	case ie.CmdInvalid, ie.CmdUnknown:
		// Nothing to answer: the peer is telling us about our own
		// mistake, or we've already told them about theirs.
	default:
		h.replyUnknown(addr, frame)
	}
}

// SendDiscover implements request.Transport: it builds and sends a
// DPDISCOVER frame for a fresh or extended lookup.
func (h *Handler) SendDiscover(_ context.Context, p *peer.Peer, tr *trans.Transaction, number, dcontext string, ttl int, eids []ie.EID) error {
	b := ie.NewBuilder()
	if err := b.AppendString(ie.CalledContext, dcontext); err != nil {
		return err
	}
	if err := b.AppendString(ie.CalledNumber, number); err != nil {
		return err
	}
	if err := b.AppendUint16(ie.TTL, uint16(ttl)); err != nil {
		return err
	}
	if err := b.AppendEID(ie.SelfEID, h.us); err != nil {
		return err
	}
	for _, eid := range eids {
		if eid == h.us {
			continue
		}
		if err := b.AppendEID(ie.EIDDirect, eid); err != nil {
			return err
		}
	}
	hdr := ie.Header{STrans: tr.STrans, DTrans: tr.DTrans, ISeqNo: tr.ISeqNo, OSeqNo: tr.OSeqNo, Command: ie.CmdDPDiscover}
	wire, err := ie.Encode(hdr, b)
	if err != nil {
		return err
	}
	return tr.Send(wire, false, false)
}

// SendCancel implements request.Transport: it sends a CANCEL frame for a
// transaction the coordinator has given up on.
func (h *Handler) SendCancel(tr *trans.Transaction) error {
	hdr := ie.Header{STrans: tr.STrans, DTrans: tr.DTrans, ISeqNo: tr.ISeqNo, OSeqNo: tr.OSeqNo, Command: ie.CmdCancel, Final: true}
	wire, err := ie.Encode(hdr, ie.NewBuilder())
	if err != nil {
		return err
	}
	return tr.Send(wire, false, true)
}

// SendRegister builds and sends a REGREQ frame telling the transaction's
// peer our current address, used by the scheduler to keep a dynamic registration alive.
func (h *Handler) SendRegister(tr *trans.Transaction) error {
	b := ie.NewBuilder()
	if err := b.AppendEID(ie.SelfEID, h.us); err != nil {
		return err
	}
	if err := b.AppendUint16(ie.Expiration, uint16(h.ttl)); err != nil {
		return err
	}
	hdr := ie.Header{STrans: tr.STrans, DTrans: tr.DTrans, ISeqNo: tr.ISeqNo, OSeqNo: tr.OSeqNo, Command: ie.CmdRegReq}
	wire, err := ie.Encode(hdr, b)
	if err != nil {
		return err
	}
	return tr.Send(wire, false, false)
}

// SendPrecache builds and sends a PRECACHERQ frame pushing answers for
// (dcontext, number) to the transaction's peer, used by the scheduler's precache queue drain.
func (h *Handler) SendPrecache(tr *trans.Transaction, dcontext, number string, answers []ie.AnswerValue) error {
	b := ie.NewBuilder()
	if err := b.AppendEID(ie.SelfEID, h.us); err != nil {
		return err
	}
	if err := b.AppendString(ie.CalledContext, dcontext); err != nil {
		return err
	}
	if err := b.AppendString(ie.CalledNumber, number); err != nil {
		return err
	}
	if err := b.AppendUint16(ie.Expiration, uint16(h.ttl)); err != nil {
		return err
	}
	for _, a := range answers {
		if err := b.AppendAnswer(a); err != nil {
			break
		}
	}
	hdr := ie.Header{STrans: tr.STrans, DTrans: tr.DTrans, ISeqNo: tr.ISeqNo, OSeqNo: tr.OSeqNo, Command: ie.CmdPrecacheRq}
	wire, err := ie.Encode(hdr, b)
	if err != nil {
		return err
	}
	return tr.Send(wire, false, false)
}

func (h *Handler) sendAck(tr *trans.Transaction) {
	hdr := ie.Header{STrans: tr.STrans, DTrans: tr.DTrans, ISeqNo: tr.ISeqNo, OSeqNo: tr.OSeqNo, Command: ie.CmdACK}
	wire, err := ie.Encode(hdr, ie.NewBuilder())
	if err != nil {
		h.log.Printf("encode ACK failed: %v", err)
		return
	}
	if err := tr.Send(wire, true, false); err != nil {
		h.log.Printf("send ACK to %s failed: %v", tr.RemoteAddr, err)
	}
}

func (h *Handler) replyUnknown(addr *net.UDPAddr, frame ie.Frame) {
	b := ie.NewBuilder()
	_ = b.AppendUint8(ie.UnknownCmd, uint8(frame.Header.Command))
	hdr := ie.Header{STrans: frame.Header.DTrans, DTrans: frame.Header.STrans, Command: ie.CmdUnknown, Final: true}
	wire, err := ie.Encode(hdr, b)
	if err != nil {
		return
	}
	_ = h.send(addr, wire)
}

func (h *Handler) replyInvalid(addr *net.UDPAddr, frame ie.Frame) {
	hdr := ie.Header{STrans: frame.Header.DTrans, DTrans: frame.Header.STrans, Command: ie.CmdInvalid, Final: true}
	wire, err := ie.Encode(hdr, ie.NewBuilder())
	if err != nil {
		return
	}
	_ = h.send(addr, wire)
}

// opensTransaction reports whether command is one a peer may use to start
// a brand new conversation we've never seen a strans for.
func opensTransaction(cmd ie.Command) bool {
	switch cmd {
	case ie.CmdDPDiscover, ie.CmdEIDQuery, ie.CmdPrecacheRq, ie.CmdNull, ie.CmdRegReq, ie.CmdEncrypt:
		return true
	default:
		return false
	}
}
