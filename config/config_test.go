package config

import (
	"testing"

	"github.com/dundi-net/dundi/ie"
	"github.com/dundi-net/dundi/peer"
)

const sampleYAML = `
entityid: "00:11:22:33:44:55"
port: 4520
authdebug: false
storehistory: true
ttl: 16
autokill: 2000
mappings:
  - dcontext: e164
    lcontext: local-e164
    weight: 50
    tech: IAX2
    dest_template: "sip:${NUMBER}@example"
    options: [residential, nounsolicited]
    autoprecache: true
peers:
  - eid: "aa:bb:cc:dd:ee:ff"
    host: 10.0.0.5:4520
    inkey: peer.pub
    outkey: mine.key
    include: [e164]
    permit: [e164]
    register: false
    order: secondary
    qualify: "500"
    model: symmetric
    precache: outbound
`

func TestParseValid(t *testing.T) {
	c := &Config{}
	if err := c.Parse([]byte(sampleYAML)); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.Port != 4520 {
		t.Errorf("Port = %d", c.Port)
	}
	if len(c.Mappings) != 1 || c.Mappings[0].DContext != "e164" {
		t.Fatalf("mappings = %+v", c.Mappings)
	}
	if !c.Mappings[0].AutoPrecache {
		t.Error("expected AutoPrecache true")
	}
	flags := c.Mappings[0].OptionFlags()
	if flags&ie.FlagResidential == 0 || flags&ie.FlagNoUnsolicited == 0 {
		t.Errorf("OptionFlags = %#x, missing expected bits", flags)
	}
	if len(c.Peers) != 1 || c.Peers[0].EID != "aa:bb:cc:dd:ee:ff" {
		t.Fatalf("peers = %+v", c.Peers)
	}
}

func TestParseMissingEntityID(t *testing.T) {
	c := &Config{}
	if err := c.Parse([]byte("port: 4520\n")); err == nil {
		t.Fatal("expected error for missing entityid")
	}
}

func TestParseInvalidEntityID(t *testing.T) {
	c := &Config{}
	if err := c.Parse([]byte("entityid: not-an-eid\n")); err == nil {
		t.Fatal("expected error for invalid entityid")
	}
}

func TestPeerConfigToPeer(t *testing.T) {
	c := &Config{}
	if err := c.Parse([]byte(sampleYAML)); err != nil {
		t.Fatal(err)
	}
	us, _ := ie.ParseEID(c.EntityID)
	p, err := c.Peers[0].ToPeer(us)
	if err != nil {
		t.Fatalf("ToPeer: %v", err)
	}
	if p.Order != peer.OrderSecondary {
		t.Errorf("Order = %v", p.Order)
	}
	if !p.Model.Has(peer.ModelInbound) || !p.Model.Has(peer.ModelOutbound) {
		t.Errorf("Model = %v, want symmetric", p.Model)
	}
	if !p.PCModel.Has(peer.ModelOutbound) || p.PCModel.Has(peer.ModelInbound) {
		t.Errorf("PCModel = %v, want outbound-only", p.PCModel)
	}
	if !p.Qualify.Enabled || p.Qualify.MaxMS != 500 {
		t.Errorf("Qualify = %+v", p.Qualify)
	}
	if !p.Include.Allows("e164") || p.Include.Allows("other") {
		t.Error("Include ACL mismatch")
	}
	if usEID, _ := ie.ParseEID(c.EntityID); p.UsEID != usEID {
		t.Error("expected UsEID to default to our own entity id")
	}
}

func TestPeerConfigDynamicHost(t *testing.T) {
	pc := PeerConfig{EID: "00:00:00:00:00:09", Host: "dynamic"}
	p, err := pc.ToPeer(ie.Zero)
	if err != nil {
		t.Fatal(err)
	}
	if p.Static || !p.Dynamic {
		t.Errorf("expected dynamic peer, got Static=%v Dynamic=%v", p.Static, p.Dynamic)
	}
}

func TestAutokillDuration(t *testing.T) {
	c := &Config{Autokill: 2000}
	if c.AutokillDuration().Milliseconds() != 2000 {
		t.Errorf("AutokillDuration = %v", c.AutokillDuration())
	}
	c2 := &Config{Autokill: 0}
	if c2.AutokillDuration() != 0 {
		t.Errorf("expected disabled autokill to be 0")
	}
}
