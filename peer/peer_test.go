package peer

import (
	"net"
	"testing"
	"time"

	"github.com/dundi-net/dundi/ie"
)

func mustEID(t *testing.T, s string) ie.EID {
	t.Helper()
	e, err := ie.ParseEID(s)
	if err != nil {
		t.Fatalf("ParseEID: %v", err)
	}
	return e
}

func TestACLLastMatchWins(t *testing.T) {
	acl := ACL{
		{Action: Allow, Name: "all"},
		{Action: Deny, Name: "e164"},
	}
	if acl.Allows("e164") {
		t.Error("expected e164 denied by later entry")
	}
	if !acl.Allows("local") {
		t.Error("expected local allowed by 'all'")
	}
}

func TestACLEmptyDeniesAll(t *testing.T) {
	var acl ACL
	if acl.Allows("e164") {
		t.Error("empty ACL should deny everything")
	}
}

func TestPeerReachability(t *testing.T) {
	p := &Peer{EID: mustEID(t, "00:00:00:00:00:01")}
	if p.IsReachable() {
		t.Error("peer with nil address should not be reachable")
	}
	p.Addr = &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 4520}
	if !p.IsReachable() {
		t.Error("peer with address and qualify disabled should be reachable")
	}
	p.Qualify = QualifyPolicy{Enabled: true, MaxMS: 100}
	p.LastMS = -1
	if p.IsReachable() {
		t.Error("peer with negative lastms should not be reachable")
	}
	p.LastMS = 50
	if !p.IsReachable() {
		t.Error("peer within maxms should be reachable")
	}
	p.LastMS = 150
	if p.IsReachable() {
		t.Error("peer exceeding maxms should not be reachable")
	}
}

func TestLookupHistoryRing(t *testing.T) {
	p := &Peer{EID: mustEID(t, "00:00:00:00:00:02")}
	for i := 1; i <= 15; i++ {
		p.RecordLookup("555", time.Duration(i)*time.Millisecond)
	}
	hist := p.History()
	if len(hist) != historySize {
		t.Fatalf("history length = %d, want %d", len(hist), historySize)
	}
	// Oldest surviving sample should be the 6th recorded (1-indexed 6..15).
	if hist[0].Elapsed != 6*time.Millisecond {
		t.Errorf("oldest surviving sample = %v, want 6ms", hist[0].Elapsed)
	}
	avg := p.AverageLookup()
	// average of 6..15 ms = 10.5ms
	if avg < 10*time.Millisecond || avg > 11*time.Millisecond {
		t.Errorf("average = %v, want ~10.5ms", avg)
	}
}

func TestRegistryPutPreservesSchedulerIDs(t *testing.T) {
	reg := NewRegistry()
	eid := mustEID(t, "00:00:00:00:00:03")
	reg.Put(&Peer{EID: eid, QualifyID: 42})
	reg.Put(&Peer{EID: eid, QualifyID: 0})
	got, ok := reg.Get(eid)
	if !ok {
		t.Fatal("peer not found after replace")
	}
	if got.QualifyID != 42 {
		t.Errorf("QualifyID = %d, want 42 preserved across replace", got.QualifyID)
	}
}

func TestRegistryForContextOrdering(t *testing.T) {
	reg := NewRegistry()
	mk := func(eidStr string, order Order) *Peer {
		return &Peer{
			EID:     mustEID(t, eidStr),
			Addr:    &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 4520},
			Model:   ModelOutbound,
			Include: ACL{{Action: Allow, Name: "all"}},
			Order:   order,
		}
	}
	reg.Put(mk("00:00:00:00:00:01", OrderPrimary))
	reg.Put(mk("00:00:00:00:00:02", OrderSecondary))
	reg.Put(mk("00:00:00:00:00:03", OrderPrimary))

	byOrder := reg.ForContext("e164")
	if len(byOrder[OrderPrimary]) != 2 {
		t.Fatalf("primary class has %d peers, want 2", len(byOrder[OrderPrimary]))
	}
	if len(byOrder[OrderSecondary]) != 1 {
		t.Fatalf("secondary class has %d peers, want 1", len(byOrder[OrderSecondary]))
	}
}

func TestRegistryUpdateAddressRequiresDynamic(t *testing.T) {
	reg := NewRegistry()
	eid := mustEID(t, "00:00:00:00:00:04")
	reg.Put(&Peer{EID: eid, Static: true})
	changed := reg.UpdateAddress(eid, &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 4520})
	if changed {
		t.Error("static peer address should not be updatable via UpdateAddress")
	}

	reg.Put(&Peer{EID: eid, Dynamic: true})
	changed = reg.UpdateAddress(eid, &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 4520})
	if !changed {
		t.Error("dynamic peer address should update on first REGREQ")
	}
	changed = reg.UpdateAddress(eid, &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 4520})
	if changed {
		t.Error("identical re-registration should not report a change")
	}
}

func TestRegistryReachableExcluding(t *testing.T) {
	reg := NewRegistry()
	a := mustEID(t, "00:00:00:00:00:0a")
	b := mustEID(t, "00:00:00:00:00:0b")
	c := mustEID(t, "00:00:00:00:00:0c")
	for _, eid := range []ie.EID{a, b, c} {
		reg.Put(&Peer{
			EID:     eid,
			Addr:    &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 4520},
			Model:   ModelOutbound,
			Include: ACL{{Action: Allow, Name: "all"}},
			Order:   OrderPrimary,
		})
	}
	avoid := map[ie.EID]bool{a: true}
	got := reg.ReachableExcluding("e164", OrderQuartiary, avoid)
	if len(got) != 2 {
		t.Fatalf("got %d peers, want 2 (excluding a)", len(got))
	}
	for _, eid := range got {
		if eid == a {
			t.Error("avoided EID present in result")
		}
	}
}

func TestSnapshotStableOrder(t *testing.T) {
	reg := NewRegistry()
	reg.Put(&Peer{EID: mustEID(t, "00:00:00:00:00:09")})
	reg.Put(&Peer{EID: mustEID(t, "00:00:00:00:00:01")})
	snap := reg.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("got %d entries, want 2", len(snap))
	}
	if !snap[0].EID.Less(snap[1].EID) {
		t.Error("snapshot not sorted by EID")
	}
}
