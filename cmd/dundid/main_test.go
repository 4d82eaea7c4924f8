package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/dundi-net/dundi/cache/memstore"
	"github.com/dundi-net/dundi/ie"
	"github.com/dundi-net/dundi/peer"
	"github.com/dundi-net/dundi/util/secret"
)

func TestLoadDialplanEmptyPathIsEmptyStatic(t *testing.T) {
	dlp, err := loadDialplan("")
	if err != nil {
		t.Fatalf("loadDialplan(\"\") error: %v", err)
	}
	ok, err := dlp.Exists(context.Background(), "anything", "5551234")
	if err != nil || ok {
		t.Errorf("empty dialplan matched a number; Exists = %v, %v", ok, err)
	}
}

func TestLoadDialplanParsesEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dialplan.yaml")
	content := "contexts:\n  local:\n    - number: \"555\"\n      prefix: true\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	dlp, err := loadDialplan(path)
	if err != nil {
		t.Fatalf("loadDialplan: %v", err)
	}
	ok, err := dlp.CanMatch(context.Background(), "local", "5551234")
	if err != nil {
		t.Fatalf("CanMatch: %v", err)
	}
	if !ok {
		t.Error("CanMatch(local, 5551234) = false, want true for a 555-prefix entry")
	}
}

func TestLoadDialplanMissingFile(t *testing.T) {
	if _, err := loadDialplan("/nonexistent/dialplan.yaml"); err == nil {
		t.Fatal("expected an error for a missing dialplan file")
	}
}

func TestResolvePeerAddrStaticHostPort(t *testing.T) {
	p := &peer.Peer{}
	if err := resolvePeerAddr(p, "127.0.0.1:4520", 9999); err != nil {
		t.Fatalf("resolvePeerAddr: %v", err)
	}
	want := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 4520}
	if p.Addr == nil || !p.Addr.IP.Equal(want.IP) || p.Addr.Port != want.Port {
		t.Errorf("Addr = %v, want %v", p.Addr, want)
	}
}

func TestResolvePeerAddrDefaultsPort(t *testing.T) {
	p := &peer.Peer{}
	if err := resolvePeerAddr(p, "127.0.0.1", 4520); err != nil {
		t.Fatalf("resolvePeerAddr: %v", err)
	}
	if p.Addr == nil || p.Addr.Port != 4520 {
		t.Errorf("Addr = %v, want port 4520", p.Addr)
	}
}

func TestResolvePeerAddrSkipsDynamicPeers(t *testing.T) {
	p := &peer.Peer{Dynamic: true}
	if err := resolvePeerAddr(p, "dynamic", 4520); err != nil {
		t.Fatalf("resolvePeerAddr: %v", err)
	}
	if p.Addr != nil {
		t.Errorf("Addr = %v, want nil for a dynamic peer", p.Addr)
	}
}

func TestResolvePeerAddrUnresolvableHost(t *testing.T) {
	p := &peer.Peer{}
	if err := resolvePeerAddr(p, "this.host.does.not.resolve.invalid", 4520); err == nil {
		t.Fatal("expected an error for an unresolvable host")
	}
}

func TestNewExpanderSubstitutesPlaceholders(t *testing.T) {
	var e ie.EID
	e[5] = 7
	secretMgr := secret.New(memstore.New(), "test", nil)
	if err := secretMgr.Load(context.Background()); err != nil {
		t.Fatalf("secretMgr.Load: %v", err)
	}
	expand := newExpander(e, "10.0.0.5", secretMgr)
	got := expand("IAX2/{NUMBER}@{IPADDR}/{EID}?key={SECRET}", "5551234")
	want := "IAX2/5551234@10.0.0.5/" + e.String() + "?key=" + secretMgr.Current()
	if got != want {
		t.Errorf("expand() = %q, want %q", got, want)
	}
}
