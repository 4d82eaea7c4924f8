// Package sched owns the UDP socket and every background timer the engine
// runs off its own clock rather than in response to a packet: per-peer
// qualify pings, dynamic-registration renewal, shared-secret rotation, and
// the precache queue's drain loop. Retransmit and autokill timers live
// inside trans.Transaction itself (each one self-arms via time.AfterFunc);
// this package owns the timers nothing else has a natural home for, plus
// the single read loop feeding every inbound datagram to dispatch.
package sched

import (
	"context"
	"net"
	"time"

	"github.com/dundi-net/dundi/config"
	"github.com/dundi-net/dundi/dialplan"
	"github.com/dundi-net/dundi/dispatch"
	"github.com/dundi-net/dundi/dlog"
	"github.com/dundi-net/dundi/ie"
	"github.com/dundi-net/dundi/peer"
	"github.com/dundi-net/dundi/precache"
	"github.com/dundi-net/dundi/request"
	"github.com/dundi-net/dundi/trans"
	"github.com/dundi-net/dundi/util/secret"
	"github.com/dundi-net/dundi/util/semaphore"
)

// Defaults applied to any Config field left at its zero value.
const (
	DefaultQualifyInterval  = 60 * time.Second
	DefaultRegisterInterval = 60 * time.Second
	DefaultQualifyTimeout   = 2 * time.Second
	DefaultWorkers          = 8

	readBufSize = 4096
)

// Config bundles a Scheduler's fixed dependencies, supplied once at startup
// by cmd/dundid.
type Config struct {
	Conn     net.PacketConn
	Handler  *dispatch.Handler
	TransMgr *trans.Manager
	Registry *peer.Registry
	Secret   *secret.Rotating // nil disables key rotation
	Precache *precache.Queue  // nil disables precache propagation
	Mappings []config.Mapping
	Dialplan dialplan.Dialplan
	Expand   request.Expander
	Us       ie.EID

	QualifyInterval  time.Duration
	RegisterInterval time.Duration
	QualifyTimeout   time.Duration
	Workers          int
}

// Scheduler runs the read loop pulling datagrams off Conn into Handler, and
// the timer wheel driving qualify, registration renewal, key rotation, and
// precache propagation.
type Scheduler struct {
	conn      net.PacketConn
	handler   *dispatch.Handler
	transMgr  *trans.Manager
	registry  *peer.Registry
	secretMgr *secret.Rotating
	precacheQ *precache.Queue
	mappings  []config.Mapping
	dlp       dialplan.Dialplan
	expand    request.Expander
	us        ie.EID

	qualifyInterval  time.Duration
	registerInterval time.Duration
	qualifyTimeout   time.Duration

	sem   *semaphore.Semaphore
	wheel *Wheel

	send trans.Sender
	log  *dlog.Logger
}

// New builds a Scheduler over cfg.
func New(cfg Config) *Scheduler {
	qi, ri, qt, workers := cfg.QualifyInterval, cfg.RegisterInterval, cfg.QualifyTimeout, cfg.Workers
	if qi <= 0 {
		qi = DefaultQualifyInterval
	}
	if ri <= 0 {
		ri = DefaultRegisterInterval
	}
	if qt <= 0 {
		qt = DefaultQualifyTimeout
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	s := &Scheduler{
		conn:             cfg.Conn,
		handler:          cfg.Handler,
		transMgr:         cfg.TransMgr,
		registry:         cfg.Registry,
		secretMgr:        cfg.Secret,
		precacheQ:        cfg.Precache,
		mappings:         cfg.Mappings,
		dlp:              cfg.Dialplan,
		expand:           cfg.Expand,
		us:               cfg.Us,
		qualifyInterval:  qi,
		registerInterval: ri,
		qualifyTimeout:   qt,
		sem:              semaphore.NewSemaphore(workers),
		wheel:            NewWheel(),
		log:              dlog.New("sched"),
	}
	s.send = func(addr *net.UDPAddr, wire []byte) error {
		_, err := s.conn.WriteTo(wire, addr)
		return err
	}
	return s
}

// Sender returns the raw UDP write function backing every transaction in
// this engine; wire it into dispatch.Config.Send and request.NewCoordinator
// so the scheduler is the single owner of the socket.
func (s *Scheduler) Sender() trans.Sender { return s.send }

// Run arms every peer's qualify/register timer, starts the precache and
// key-rotation background loops, and blocks serving inbound datagrams until
// ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.sem.Close()
		_ = s.conn.Close() // unblocks the ReadFrom loop below
	}()

	for _, p := range s.registry.All() {
		s.armQualify(p)
		if p.Register {
			s.armRegister(p)
		}
	}

	if s.precacheQ != nil {
		go s.precacheQ.Run(ctx, s.drainPrecache)
	}
	if s.secretMgr != nil {
		go s.runKeyRotate(ctx)
	}

	return s.readLoop(ctx)
}

// readLoop is the engine's single socket reader: it decodes nothing itself,
// handing every datagram straight to dispatch for decode-and-route.
func (s *Scheduler) readLoop(ctx context.Context) error {
	buf := make([]byte, readBufSize)
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Printf("read failed: %v", err)
			continue
		}
		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		s.handler.HandleDatagram(ctx, udpAddr, frame)
	}
}

// runKeyRotate polls the shared secret for expiry well inside its rotation
// window; MaybeRotate itself is a no-op unless the current secret is due.
func (s *Scheduler) runKeyRotate(ctx context.Context) {
	ticker := time.NewTicker(secret.RotateInterval / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.secretMgr.MaybeRotate(ctx); err != nil {
				s.log.Printf("secret rotation failed: %v", err)
			}
		}
	}
}

// armQualify (re)arms p's periodic NULL-ping reachability check. A peer
// with qualify disabled, or with no known address yet (an un-registered
// dynamic peer), is left unscheduled.
func (s *Scheduler) armQualify(p *peer.Peer) {
	if !p.Qualify.Enabled || p.Addr == nil {
		return
	}
	p.QualifyID = s.wheel.Reset(p.QualifyID, s.qualifyInterval, func() { s.sendQualify(p) })
}

func (s *Scheduler) sendQualify(p *peer.Peer) {
	defer s.armQualify(p) // rearm regardless of outcome

	tr := s.transMgr.Create(p.Addr, s.send, p.AverageLookup())
	tr.ThemEID = p.EID
	tr.UsEID = p.UsEID
	tr.Flags.IsQual = true
	tr.SetNotifier(qualifyNotifier{peer: p, start: time.Now()})
	tr.ArmAutokill(s.qualifyTimeout)

	hdr := ie.Header{STrans: tr.STrans, Command: ie.CmdNull}
	wire, err := ie.Encode(hdr, ie.NewBuilder())
	if err != nil {
		tr.Destroy(trans.CauseInvalid)
		return
	}
	if err := tr.Send(wire, false, false); err != nil {
		s.log.Printf("qualify %s failed: %v", p.EID, err)
	}
}

// qualifyNotifier records a qualify transaction's round-trip time, or marks
// the peer unreachable, once the transaction reaches a terminal state.
type qualifyNotifier struct {
	peer  *peer.Peer
	start time.Time
}

func (n qualifyNotifier) OnTransactionDone(_ *trans.Transaction, cause trans.Cause) {
	if cause != trans.CauseFinal {
		n.peer.LastMS = -1
		return
	}
	elapsed := time.Since(n.start)
	n.peer.LastMS = int(elapsed.Milliseconds())
	n.peer.RecordLookup("qualify", elapsed)
}

// armRegister (re)arms p's periodic REGREQ renewal, keeping our address
// fresh at a peer that tracks us as its dynamic side.
func (s *Scheduler) armRegister(p *peer.Peer) {
	if p.Addr == nil {
		return
	}
	p.RegScheduleID = s.wheel.Reset(p.RegScheduleID, s.registerInterval, func() { s.sendRegister(p) })
}

func (s *Scheduler) sendRegister(p *peer.Peer) {
	defer s.armRegister(p)

	tr := s.transMgr.Create(p.Addr, s.send, 0)
	tr.ThemEID = p.EID
	tr.UsEID = p.UsEID
	tr.Flags.IsReg = true
	tr.SetNotifier(noopNotifier{})
	tr.ArmAutokill(s.qualifyTimeout)

	if err := s.handler.SendRegister(tr); err != nil {
		s.log.Printf("register with %s failed: %v", p.EID, err)
	}
}

// drainPrecache is the precache.Func driving the precache queue: every due
// (dcontext, number) is handed to a bounded worker pool so a burst of due
// entries can't spawn unbounded goroutines, mirroring the dialplan-probe
// offload this package's own semaphore dependency is for.
func (s *Scheduler) drainPrecache(ctx context.Context, dcontext, number string) {
	if err := s.sem.P(1); err != nil {
		return // shutting down
	}
	go func() {
		defer s.sem.V(1)
		s.pushPrecache(ctx, dcontext, number)
	}()
}

func (s *Scheduler) pushPrecache(ctx context.Context, dcontext, number string) {
	var mappings []config.Mapping
	for _, m := range s.mappings {
		if m.DContext == dcontext {
			mappings = append(mappings, m)
		}
	}
	result, err := request.EvaluateLocal(ctx, s.dlp, mappings, number, s.expand)
	if err != nil {
		s.log.Printf("precache evaluation of %s/%s failed: %v", dcontext, number, err)
		return
	}
	if len(result.Answers) == 0 {
		return
	}
	for i := range result.Answers {
		result.Answers[i].EID = s.us
	}
	for _, p := range s.registry.PrecacheTargets(dcontext) {
		tr := s.transMgr.Create(p.Addr, s.send, p.AverageLookup())
		tr.ThemEID = p.EID
		tr.UsEID = p.UsEID
		tr.SetNotifier(noopNotifier{})
		if err := s.handler.SendPrecache(tr, dcontext, number, result.Answers); err != nil {
			s.log.Printf("precache push to %s failed: %v", p.EID, err)
		}
	}
}

type noopNotifier struct{}

func (noopNotifier) OnTransactionDone(*trans.Transaction, trans.Cause) {}
