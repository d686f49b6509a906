package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/energizer-project/liqitap/internal/config"
	"github.com/energizer-project/liqitap/internal/db"
	"github.com/energizer-project/liqitap/internal/events"
	intnet "github.com/energizer-project/liqitap/internal/network"
	"github.com/energizer-project/liqitap/internal/recorder"
)

func setup(t *testing.T, withStore bool) (*config.Config, *events.EventBus, Dependencies) {
	t.Helper()
	dir := t.TempDir()

	cfg, err := config.Load(filepath.Join(dir, "config"))
	if err != nil {
		t.Fatal(err)
	}
	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)

	writer, err := recorder.NewWriter(filepath.Join(dir, "out.json"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { writer.Close() })
	writer.Subscribe(bus)

	deps := Dependencies{
		Observer: intnet.NewObserver(bus, intnet.NewHostFilter(config.DefaultDomains)),
		Flows:    intnet.NewFlowRegistry(),
		Writer:   writer,
	}
	if withStore {
		store, err := db.NewEventStore(filepath.Join(dir, "events.db"), 16)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { store.Close() })
		store.Subscribe(bus)
		deps.Store = store
	}

	frames := [][]byte{
		{0x02, 0x2C, 0x01, 0x0A, 0x03, 'f', 'o', 'o', 0x12, 0x01, 0x7F},
		{0x03, 0x2C, 0x01, 0x0A, 0x00, 0x12, 0x01, 0x01},
		{0x09},
	}
	for i, frame := range frames {
		err := deps.Observer.Observe(context.Background(), intnet.Frame{
			FrameMeta: events.FrameMeta{FlowID: "f", Host: "mahjongsoul.com", FromClient: i == 0, Timestamp: time.Now()},
			Data:      frame,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	return cfg, bus, deps
}

func run(t *testing.T, c *CLI, out *bytes.Buffer, input string) string {
	t.Helper()
	c.in = strings.NewReader(input)
	done := make(chan struct{})
	go func() {
		c.Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("console did not exit")
	}
	return out.String()
}

func TestConsoleCommands(t *testing.T) {
	cfg, bus, deps := setup(t, true)
	var out bytes.Buffer
	c := NewCLI(cfg, bus, deps, nil, &out)

	got := run(t, c, &out, "help\nstatus\nstats\nrecent 5\nmethods\nflows\nbogus\n")

	checks := []string{
		"liqitap console commands",
		"active flows",
		"rejected unknown_frame_kind",
		"foo",
		"Unknown command: 'bogus'",
	}
	for _, want := range checks {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestRecentResolvesResponseMethod(t *testing.T) {
	cfg, bus, deps := setup(t, true)
	var out bytes.Buffer
	c := NewCLI(cfg, bus, deps, nil, &out)

	if _, err := c.execute(context.Background(), "recent", []string{"2"}); err != nil {
		t.Fatal(err)
	}
	// The response row carries the method of the request it answers.
	lines := strings.Split(out.String(), "\n")
	found := false
	for _, l := range lines {
		if strings.Contains(l, "res") && strings.Contains(l, "foo") {
			found = true
		}
	}
	if !found {
		t.Errorf("response row without resolved method:\n%s", out.String())
	}
}

func TestRecentFromOutputFile(t *testing.T) {
	cfg, bus, deps := setup(t, false)
	var out bytes.Buffer
	c := NewCLI(cfg, bus, deps, nil, &out)

	if _, err := c.execute(context.Background(), "recent", nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "foo") {
		t.Errorf("recent output:\n%s", out.String())
	}

	if _, err := c.execute(context.Background(), "methods", nil); err == nil {
		t.Error("methods should fail without the database")
	}
	if _, err := c.execute(context.Background(), "recent", []string{"x"}); err == nil {
		t.Error("expected error for bad count")
	}
}

func TestDecodeCommand(t *testing.T) {
	cfg, bus, deps := setup(t, false)
	var out bytes.Buffer
	c := NewCLI(cfg, bus, deps, nil, &out)

	if _, err := c.execute(context.Background(), "decode", []string{"022c01", "0a03666f6f", "12017f"}); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, want := range []string{"req", "300", "foo", "fw=="} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("decode output missing %q:\n%s", want, out.String())
		}
	}

	_, err := c.execute(context.Background(), "decode", []string{"09"})
	if err == nil || !strings.Contains(err.Error(), "unknown_frame_kind") {
		t.Errorf("err = %v", err)
	}
	if _, err := c.execute(context.Background(), "decode", []string{"zz"}); err == nil {
		t.Error("expected hex error")
	}
	if _, err := c.execute(context.Background(), "decode", nil); err == nil {
		t.Error("expected usage error")
	}
}

func TestSetConfig(t *testing.T) {
	cfg, bus, deps := setup(t, false)
	var out bytes.Buffer
	c := NewCLI(cfg, bus, deps, nil, &out)
	ctx := context.Background()

	if _, err := c.execute(ctx, "setconfig", []string{"api", "port", "6000"}); err != nil {
		t.Fatal(err)
	}
	if cfg.API.Port != 6000 {
		t.Errorf("port = %d", cfg.API.Port)
	}
	if _, err := c.execute(ctx, "setconfig", []string{"database", "enabled", "false"}); err != nil {
		t.Fatal(err)
	}
	if cfg.Database.Enabled {
		t.Error("database still enabled")
	}
	if _, err := c.execute(ctx, "setconfig", []string{"api", "port"}); err == nil {
		t.Error("expected usage error")
	}
}

func TestQuitEmitsShutdown(t *testing.T) {
	cfg, bus, deps := setup(t, false)
	var out bytes.Buffer
	c := NewCLI(cfg, bus, deps, nil, &out)

	shutdown := make(chan struct{}, 1)
	bus.Subscribe(events.EventShutdown, "test", func(context.Context, events.Event) error {
		shutdown <- struct{}{}
		return nil
	})

	// Commands after quit are not read.
	got := run(t, c, &out, "quit\nhelp\n")
	if strings.Contains(got, "console commands") {
		t.Error("console kept reading after quit")
	}

	select {
	case <-shutdown:
	case <-time.After(2 * time.Second):
		t.Fatal("no shutdown event")
	}
}

func TestParseValue(t *testing.T) {
	if parseValue("1") != 1 {
		t.Error("1 should be an int")
	}
	if parseValue("yes") != true {
		t.Error("yes should be true")
	}
	if parseValue("wss://x") != "wss://x" {
		t.Error("text should stay text")
	}
}
