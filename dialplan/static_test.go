package dialplan

import (
	"context"
	"testing"
)

func TestStaticExists(t *testing.T) {
	s := NewStatic(map[string][]Entry{
		"local-e164": {{Number: "5551234"}},
	})
	ctx := context.Background()
	ok, err := s.Exists(ctx, "local-e164", "5551234")
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v", ok, err)
	}
	ok, _ = s.Exists(ctx, "local-e164", "5559999")
	if ok {
		t.Error("expected no match for unrelated number")
	}
}

func TestStaticCanMatchPrefix(t *testing.T) {
	s := NewStatic(map[string][]Entry{
		"local-e164": {{Number: "555", Prefix: true}},
	})
	ctx := context.Background()
	ok, err := s.CanMatch(ctx, "local-e164", "555")
	if err != nil || !ok {
		t.Fatalf("CanMatch = %v, %v", ok, err)
	}
	ok, _ = s.CanMatch(ctx, "local-e164", "9")
	if ok {
		t.Error("expected no prefix match for unrelated number")
	}
}

func TestStaticMatchMore(t *testing.T) {
	s := NewStatic(map[string][]Entry{
		"local-e164": {{Number: "555", Prefix: true}},
	})
	ok, err := s.MatchMore(context.Background(), "local-e164", "55")
	if err != nil || !ok {
		t.Fatalf("MatchMore = %v, %v", ok, err)
	}
}

func TestStaticIgnorePattern(t *testing.T) {
	s := NewStatic(map[string][]Entry{
		"local-e164": {{Number: "0", Prefix: true, IgnorePattern: true}},
	})
	ok, err := s.IgnorePattern(context.Background(), "local-e164", "0900123")
	if err != nil || !ok {
		t.Fatalf("IgnorePattern = %v, %v", ok, err)
	}
	ok, _ = s.IgnorePattern(context.Background(), "local-e164", "5551234")
	if ok {
		t.Error("expected non-catch-all number not to be ignored")
	}
}

func TestStaticUnknownContextIsEmpty(t *testing.T) {
	s := NewStatic(nil)
	ok, err := s.Exists(context.Background(), "missing", "555")
	if err != nil || ok {
		t.Fatalf("Exists on empty static dialplan = %v, %v", ok, err)
	}
}
