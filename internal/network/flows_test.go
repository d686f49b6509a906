package network

import (
	"testing"
	"time"
)

func TestFlowRegistry(t *testing.T) {
	r := NewFlowRegistry()
	closed := map[string]int{}

	a := newFlow("a", "majsoul.com", "/gateway", "127.0.0.1:1", func() { closed["a"]++ })
	b := newFlow("b", "majsoul.com", "/game", "127.0.0.1:2", func() { closed["b"]++ })
	b.StartedAt = a.StartedAt.Add(time.Second)
	r.Register(a)
	r.Register(b)

	if r.Count() != 2 {
		t.Fatalf("Count = %d, want 2", r.Count())
	}
	if got, ok := r.Get("a"); !ok || got != a {
		t.Fatal("Get(a) failed")
	}

	a.touch(time.Now())
	a.touch(time.Now())
	list := r.List()
	if len(list) != 2 || list[0].ID != "a" || list[1].ID != "b" {
		t.Fatalf("List order = %+v", list)
	}
	if list[0].Frames != 2 {
		t.Errorf("frames = %d, want 2", list[0].Frames)
	}

	// b has been idle since creation; pretend a minute passed.
	b.lastActivity.Store(time.Now().Add(-time.Minute).UnixNano())
	if n := r.CloseIdle(30 * time.Second); n != 1 {
		t.Errorf("CloseIdle closed %d, want 1", n)
	}
	if closed["b"] != 1 || closed["a"] != 0 {
		t.Errorf("closed = %v", closed)
	}

	r.CloseAll()
	if closed["a"] != 1 {
		t.Errorf("CloseAll did not close a")
	}

	r.Unregister("a")
	r.Unregister("b")
	r.Unregister("missing")
	if r.Count() != 0 {
		t.Errorf("Count = %d after unregister", r.Count())
	}
}

func TestRateTracker(t *testing.T) {
	rt := newRateTracker(2)
	now := time.Now()

	if !rt.allowAt("1.2.3.4", now) || !rt.allowAt("1.2.3.4", now) {
		t.Fatal("first two should pass")
	}
	if rt.allowAt("1.2.3.4", now.Add(100*time.Millisecond)) {
		t.Error("third within window should be rejected")
	}
	if !rt.allowAt("5.6.7.8", now) {
		t.Error("other IP should pass")
	}
	if !rt.allowAt("1.2.3.4", now.Add(time.Second)) {
		t.Error("new window should pass")
	}
}

func TestExtractIP(t *testing.T) {
	if got := extractIP("10.0.0.1:5555"); got != "10.0.0.1" {
		t.Errorf("got %q", got)
	}
	if got := extractIP("[::1]:80"); got != "::1" {
		t.Errorf("got %q", got)
	}
	if got := extractIP("pipe"); got != "pipe" {
		t.Errorf("got %q", got)
	}
}
