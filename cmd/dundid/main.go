// Command dundid runs the DUNDi lookup engine: it loads a peer/mapping
// configuration, opens its UDP socket, and serves discovery, registration,
// qualify, and precache traffic until signalled to stop.
package main

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"gopkg.in/yaml.v2"

	"github.com/dundi-net/dundi/cache"
	"github.com/dundi-net/dundi/cache/etcdstore"
	"github.com/dundi-net/dundi/cache/memstore"
	"github.com/dundi-net/dundi/config"
	"github.com/dundi-net/dundi/dialplan"
	"github.com/dundi-net/dundi/dispatch"
	"github.com/dundi-net/dundi/dlog"
	"github.com/dundi-net/dundi/ie"
	"github.com/dundi-net/dundi/peer"
	"github.com/dundi-net/dundi/precache"
	"github.com/dundi-net/dundi/request"
	"github.com/dundi-net/dundi/sched"
	"github.com/dundi-net/dundi/trans"
	"github.com/dundi-net/dundi/util/errwrap"
	"github.com/dundi-net/dundi/util/secret"
	"github.com/dundi-net/dundi/xcrypto"
)

// version is stamped at build time via -ldflags; "dev" otherwise.
var version = "dev"

// Args is the top-level CLI parsing structure: a bare struct per
// subcommand, activated by `arg:"subcommand:name"`.
type Args struct {
	ServeCmd  *ServeArgs  `arg:"subcommand:serve" help:"run the lookup engine"`
	KeygenCmd *KeygenArgs `arg:"subcommand:keygen" help:"generate a new RSA keypair"`
}

// Version implements the API go-arg looks up by reflection for --version.
func (Args) Version() string { return "dundid " + version }

// ServeArgs configures a `dundid serve` run.
type ServeArgs struct {
	Config  string `arg:"--config,required" help:"path to the YAML configuration file"`
	Verbose bool   `arg:"--verbose" help:"include file:line in log output"`

	Dialplan string `arg:"--dialplan" help:"path to a static dialplan YAML file (omit to advertise nothing locally)"`

	EtcdEndpoints []string `arg:"--etcd,separate" help:"etcd endpoint for the shared answer cache; repeatable. Omit for an in-memory, single-node cache"`
	EtcdPrefix    string   `arg:"--etcd-prefix" default:"dundid/" help:"key prefix within etcd"`

	QualifyInterval  time.Duration `arg:"--qualify-interval" default:"60s" help:"how often to ping each qualify-enabled peer"`
	RegisterInterval time.Duration `arg:"--register-interval" default:"60s" help:"how often to renew our address with each registering peer"`
	Workers          int           `arg:"--precache-workers" default:"8" help:"bounded worker pool size for precache propagation"`
}

// KeygenArgs configures a `dundid keygen` run.
type KeygenArgs struct {
	OutPriv string `arg:"--out-priv,required" help:"where to write the PEM-encoded private key"`
	OutPub  string `arg:"--out-pub,required" help:"where to write the PEM-encoded public key"`
}

func main() {
	var args Args
	parser := arg.MustParse(&args)

	var err error
	switch {
	case args.ServeCmd != nil:
		err = serve(*args.ServeCmd)
	case args.KeygenCmd != nil:
		err = keygen(*args.KeygenCmd)
	default:
		parser.WriteHelp(os.Stdout)
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "dundid: %v\n", err)
		os.Exit(1)
	}
}

// keygen implements `dundid keygen`: generate a fresh 1024-bit RSA keypair
// and write it out as the PEM files a peer's inkey/outkey entries name.
func keygen(args KeygenArgs) error {
	priv, err := xcrypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	if err := os.WriteFile(args.OutPriv, privPEM, 0600); err != nil {
		return errwrap.Wrapf(err, "keygen: write private key failed")
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(&priv.PublicKey)})
	if err := os.WriteFile(args.OutPub, pubPEM, 0644); err != nil {
		return errwrap.Wrapf(err, "keygen: write public key failed")
	}
	fmt.Printf("wrote %s and %s\n", args.OutPriv, args.OutPub)
	return nil
}

// dialplanFile is the on-disk shape of the --dialplan YAML file: a static,
// table-driven substitute for the real dialplan a host application would
// supply, keyed by lcontext.
type dialplanFile struct {
	Contexts map[string][]struct {
		Number        string `yaml:"number"`
		Prefix        bool   `yaml:"prefix"`
		IgnorePattern bool   `yaml:"ignore_pattern"`
	} `yaml:"contexts"`
}

func loadDialplan(path string) (dialplan.Dialplan, error) {
	if path == "" {
		return dialplan.NewStatic(nil), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errwrap.Wrapf(err, "dialplan: read %s failed", path)
	}
	var f dialplanFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, errwrap.Wrapf(err, "dialplan: parse %s failed", path)
	}
	contexts := make(map[string][]dialplan.Entry, len(f.Contexts))
	for lcontext, entries := range f.Contexts {
		for _, e := range entries {
			contexts[lcontext] = append(contexts[lcontext], dialplan.Entry{
				Number:        e.Number,
				Prefix:        e.Prefix,
				IgnorePattern: e.IgnorePattern,
			})
		}
	}
	return dialplan.NewStatic(contexts), nil
}

// newExpander builds the {NUMBER,EID,SECRET,IPADDR} destination-template
// expander named by spec.md's dest_template grammar; each placeholder is
// accepted both as ${NAME} and as bare {NAME}. EID and IPADDR are fixed at
// startup, NUMBER is the number of each call, and SECRET is read live off
// secretMgr so it always reflects the current rotation.
func newExpander(us ie.EID, localIP string, secretMgr *secret.Rotating) request.Expander {
	return func(template, number string) string {
		r := strings.NewReplacer(
			"${NUMBER}", number,
			"${EID}", us.String(),
			"${IPADDR}", localIP,
			"${SECRET}", secretMgr.Current(),
			"{NUMBER}", number,
			"{EID}", us.String(),
			"{IPADDR}", localIP,
			"{SECRET}", secretMgr.Current(),
		)
		return r.Replace(template)
	}
}

// resolvePeerAddr fills in a static peer's UDP address from its configured
// host string; ToPeer itself leaves Addr nil since config has no net
// package dependency of its own. Dynamic peers are left unresolved until a
// REGREQ arrives.
func resolvePeerAddr(p *peer.Peer, host string, defaultPort int) error {
	if p.Dynamic {
		return nil
	}
	h, portStr, err := net.SplitHostPort(host)
	if err != nil {
		h, portStr = host, ""
	}
	ip := net.ParseIP(h)
	if ip == nil {
		ips, lookupErr := net.LookupIP(h)
		if lookupErr != nil || len(ips) == 0 {
			return fmt.Errorf("config: can't resolve peer host %q", host)
		}
		ip = ips[0]
	}
	addr := &net.UDPAddr{IP: ip, Port: defaultPort}
	if portStr != "" {
		if _, err := fmt.Sscanf(portStr, "%d", &addr.Port); err != nil {
			return fmt.Errorf("config: invalid port in peer host %q", host)
		}
	}
	p.Addr = addr
	return nil
}

// sinkProxy breaks the construction cycle between dispatch.Handler (which
// needs a ResponseSink) and request.Coordinator (which needs a
// dispatch.Handler as its Transport): the proxy is built first and wired
// into the Handler, then pointed at the Coordinator once it exists.
type sinkProxy struct {
	target dispatch.ResponseSink
}

func (s *sinkProxy) OnDPResponse(tr *trans.Transaction, cause ie.Cause, answers []ie.AnswerValue, expiration int64) {
	if s.target != nil {
		s.target.OnDPResponse(tr, cause, answers, expiration)
	}
}

func serve(args ServeArgs) error {
	dlog.Init(args.Verbose)
	log := dlog.New("dundid")

	cfg, err := config.Load(args.Config)
	if err != nil {
		return err
	}
	us, err := ie.ParseEID(cfg.EntityID)
	if err != nil {
		return err
	}

	dlp, err := loadDialplan(args.Dialplan)
	if err != nil {
		return err
	}

	var store cache.Store
	var secretStore secret.Store
	if len(args.EtcdEndpoints) > 0 {
		es, err := etcdstore.Connect(args.EtcdEndpoints, args.EtcdPrefix, 5*time.Second)
		if err != nil {
			return err
		}
		defer es.Close()
		store, secretStore = es, es
	} else {
		ms := memstore.New()
		store, secretStore = ms, ms
	}
	answerCache := cache.New(store, time.Now)
	secretMgr := secret.New(secretStore, "dundid", time.Now)

	registry := peer.NewRegistry()
	peerKeys := make(map[ie.EID]*rsa.PublicKey)
	var ourPriv *rsa.PrivateKey
	for _, pc := range cfg.Peers {
		p, err := pc.ToPeer(us)
		if err != nil {
			return err
		}
		if err := resolvePeerAddr(p, pc.Host, cfg.Port); err != nil {
			return err
		}
		registry.Put(p)

		if pc.InKey != "" {
			pub, err := xcrypto.ImportPublic(pc.InKey)
			if err != nil {
				return err
			}
			peerKeys[p.EID] = pub
		}
		if pc.OutKey != "" && ourPriv == nil {
			priv, err := xcrypto.ImportPrivate(pc.OutKey)
			if err != nil {
				return err
			}
			ourPriv = priv
		}
	}

	bindIP := net.ParseIP(cfg.BindAddr) // nil (wildcard) if unset
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: bindIP, Port: cfg.Port})
	if err != nil {
		return errwrap.Wrapf(err, "can't listen on port %d", cfg.Port)
	}
	defer conn.Close()

	localIP := cfg.BindAddr
	if localIP == "" {
		if a, ok := conn.LocalAddr().(*net.UDPAddr); ok {
			localIP = a.IP.String()
		}
	}

	transMgr := trans.NewManager()
	send := func(addr *net.UDPAddr, wire []byte) error {
		_, err := conn.WriteTo(wire, addr)
		return err
	}

	proxy := &sinkProxy{}
	handler := dispatch.New(dispatch.Config{
		Us:        us,
		Send:      send,
		TransMgr:  transMgr,
		Registry:  registry,
		Store:     answerCache,
		Sink:      proxy,
		Dialplan:  dlp,
		Mappings:  cfg.Mappings,
		Expand:    newExpander(us, localIP, secretMgr),
		TTL:       cfg.TTL,
		AuthDebug: cfg.AuthDebug,
		Identity: dispatch.Identity{
			Department: cfg.Department,
			Org:        cfg.Org,
			Locality:   cfg.Locality,
			Stateprov:  cfg.Stateprov,
			Country:    cfg.Country,
			Email:      cfg.Email,
			Phone:      cfg.Phone,
		},
		OurPriv:  ourPriv,
		PeerKeys: peerKeys,
	})

	coordinator := request.NewCoordinator(registry, answerCache, transMgr, handler, send, us, time.Now)
	proxy.target = coordinator

	precacheQ := precache.New(time.Now)
	var seed []precache.AutoPrecacheMapping
	for _, m := range cfg.Mappings {
		if m.AutoPrecache {
			seed = append(seed, precache.AutoPrecacheMapping{DContext: m.DContext, Number: m.LContext})
		}
	}
	precacheQ.Seed(seed)

	scheduler := sched.New(sched.Config{
		Conn:             conn,
		Handler:          handler,
		TransMgr:         transMgr,
		Registry:         registry,
		Secret:           secretMgr,
		Precache:         precacheQ,
		Mappings:         cfg.Mappings,
		Dialplan:         dlp,
		Expand:           newExpander(us, localIP, secretMgr),
		Us:               us,
		QualifyInterval:  args.QualifyInterval,
		RegisterInterval: args.RegisterInterval,
		QualifyTimeout:   sched.DefaultQualifyTimeout,
		Workers:          args.Workers,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := secretMgr.Load(ctx); err != nil {
		return errwrap.Wrapf(err, "can't load shared secret")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		log.Printf("caught %v, shutting down", s)
		cancel()
	}()

	log.Printf("listening on %s as %s", conn.LocalAddr(), us)
	if err := scheduler.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
