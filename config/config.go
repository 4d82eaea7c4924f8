// Package config parses the engine's declarative YAML configuration:
// global daemon settings, the dialplan mapping table that controls what we
// advertise to peers, and the static peer table. It mirrors the shape of
// yamlgraph.GraphConfig.Parse: unmarshal, then validate required fields.
package config

import (
	"fmt"
	"io/ioutil"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/dundi-net/dundi/ie"
	"github.com/dundi-net/dundi/peer"
	"github.com/dundi-net/dundi/util/errwrap"
)

// Mapping is one dialplan exposure record: what context we advertise
// externally (DContext), which local dialplan context to probe (LContext),
// and the weighted (tech, dest_template) answer to hand back when a number
// matches.
type Mapping struct {
	DContext     string   `yaml:"dcontext"`
	LContext     string   `yaml:"lcontext"`
	Weight       uint16   `yaml:"weight"`
	Tech         string   `yaml:"tech"` // IAX, IAX2, SIP, H323
	DestTemplate string   `yaml:"dest_template"`
	Options      []string `yaml:"options"`

	// AutoPrecache marks this mapping's own dcontext for automatic
	// precache of its lcontext numbers at startup.
	AutoPrecache bool `yaml:"autoprecache"`
}

// known option names, mapped to the answer-flag bit they set.
var optionFlags = map[string]uint16{
	"nounsolicited":  ie.FlagNoUnsolicited,
	"nocomunsolicit": ie.FlagNoComUnsolicit,
	"residential":    ie.FlagResidential,
	"commercial":     ie.FlagCommercial,
	"mobile":         ie.FlagMobile,
}

// OptionFlags ORs together the answer-flag bits named by m.Options,
// ignoring "nopartial" which governs CANMATCH/MATCHMORE emission rather
// than an answer-frame bit.
func (m Mapping) OptionFlags() uint16 {
	var flags uint16
	for _, o := range m.Options {
		flags |= optionFlags[strings.ToLower(o)]
	}
	return flags
}

// HasOption reports whether name appears (case-insensitively) in m.Options.
func (m Mapping) HasOption(name string) bool {
	for _, o := range m.Options {
		if strings.EqualFold(o, name) {
			return true
		}
	}
	return false
}

// PeerConfig is one peers-section entry: a remote node's address, keys,
// permission lists, and traffic model. Host == "dynamic" means the
// address arrives later via REGREQ rather than being statically known.
type PeerConfig struct {
	EID  string `yaml:"eid"`
	Host string `yaml:"host"` // ip:port, or "dynamic"

	InKey  string `yaml:"inkey"`  // their public key file
	OutKey string `yaml:"outkey"` // our private key file

	UsToThem string `yaml:"ustothem"` // which local EID we present to them

	Include   []string `yaml:"include"`
	NoInclude []string `yaml:"noinclude"`
	Permit    []string `yaml:"permit"`
	Deny      []string `yaml:"deny"`

	Register bool   `yaml:"register"`
	Order    string `yaml:"order"` // primary, secondary, tertiary, quartiary

	Qualify string `yaml:"qualify"` // "no", "yes", or an explicit max-ms integer

	Model    string `yaml:"model"`    // inbound, outbound, symmetric, none
	Precache string `yaml:"precache"` // same vocabulary as Model
}

// Config is the top-level parsed configuration file.
type Config struct {
	Port     int    `yaml:"port"`
	BindAddr string `yaml:"bindaddr"`
	TOS      int    `yaml:"tos"`
	EntityID string `yaml:"entityid"`

	AuthDebug    bool `yaml:"authdebug"`
	StoreHistory bool `yaml:"storehistory"`

	TTL      int `yaml:"ttl"`
	Autokill int `yaml:"autokill"` // ms, 0 disables

	Department  string `yaml:"department"`
	Org         string `yaml:"org"`
	Locality    string `yaml:"locality"`
	Stateprov   string `yaml:"stateprov"`
	Country     string `yaml:"country"`
	Email       string `yaml:"email"`
	Phone       string `yaml:"phone"`

	Mappings []Mapping    `yaml:"mappings"`
	Peers    []PeerConfig `yaml:"peers"`
}

// Parse unmarshals data into a Config and validates required fields.
func (c *Config) Parse(data []byte) error {
	if err := yaml.Unmarshal(data, c); err != nil {
		return errwrap.Wrapf(err, "config: parse failed")
	}
	if c.EntityID == "" {
		return fmt.Errorf("config: invalid `entityid`")
	}
	if _, err := ie.ParseEID(c.EntityID); err != nil {
		return errwrap.Wrapf(err, "config: invalid `entityid`")
	}
	if c.Port == 0 {
		c.Port = 4520
	}
	return nil
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errwrap.Wrapf(err, "config: read %s failed", path)
	}
	c := &Config{}
	if err := c.Parse(data); err != nil {
		return nil, err
	}
	return c, nil
}

// modelOf parses the inbound/outbound/symmetric/none vocabulary shared by
// Model and Precache.
func modelOf(s string) peer.Model {
	switch strings.ToLower(s) {
	case "inbound":
		return peer.ModelInbound
	case "outbound":
		return peer.ModelOutbound
	case "symmetric", "both":
		return peer.ModelBoth
	default:
		return peer.ModelNone
	}
}

func orderOf(s string) peer.Order {
	switch strings.ToLower(s) {
	case "secondary":
		return peer.OrderSecondary
	case "tertiary":
		return peer.OrderTertiary
	case "quartiary":
		return peer.OrderQuartiary
	default:
		return peer.OrderPrimary
	}
}

func aclOf(permit, deny []string) peer.ACL {
	var acl peer.ACL
	for _, name := range deny {
		acl = append(acl, peer.ACLEntry{Action: peer.Deny, Name: name})
	}
	for _, name := range permit {
		acl = append(acl, peer.ACLEntry{Action: peer.Allow, Name: name})
	}
	return acl
}

// qualifyOf parses "no", "yes", or an explicit millisecond integer.
func qualifyOf(s string) peer.QualifyPolicy {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "no" {
		return peer.QualifyPolicy{Enabled: false}
	}
	if s == "yes" {
		return peer.QualifyPolicy{Enabled: true}
	}
	var ms int
	if _, err := fmt.Sscanf(s, "%d", &ms); err == nil && ms > 0 {
		return peer.QualifyPolicy{Enabled: true, MaxMS: ms}
	}
	return peer.QualifyPolicy{Enabled: true}
}

// ToPeer builds a peer.Peer from this configuration entry. us is our own
// EID, used as the default UsEID when UsToThem is unset.
func (pc PeerConfig) ToPeer(us ie.EID) (*peer.Peer, error) {
	eid, err := ie.ParseEID(pc.EID)
	if err != nil {
		return nil, errwrap.Wrapf(err, "config: peer entry has invalid eid %q", pc.EID)
	}
	usEID := us
	if pc.UsToThem != "" {
		usEID, err = ie.ParseEID(pc.UsToThem)
		if err != nil {
			return nil, errwrap.Wrapf(err, "config: peer %q has invalid ustothem %q", pc.EID, pc.UsToThem)
		}
	}

	p := &peer.Peer{
		EID:        eid,
		Static:     !strings.EqualFold(pc.Host, "dynamic"),
		Dynamic:    strings.EqualFold(pc.Host, "dynamic"),
		Register:   pc.Register,
		UsEID:      usEID,
		InKeyPath:  pc.InKey,
		OutKeyPath: pc.OutKey,
		Model:      modelOf(pc.Model),
		PCModel:    modelOf(pc.Precache),
		Include:    aclOf(pc.Include, pc.NoInclude),
		Permit:     aclOf(pc.Permit, pc.Deny),
		Order:      orderOf(pc.Order),
		Qualify:    qualifyOf(pc.Qualify),
	}
	return p, nil
}

// AutokillDuration converts the configured millisecond value to a
// time.Duration, 0 meaning "disabled".
func (c *Config) AutokillDuration() time.Duration {
	if c.Autokill <= 0 {
		return 0
	}
	return time.Duration(c.Autokill) * time.Millisecond
}
