package util

import (
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateTLSConfig(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "tls", "cert.pem")
	keyFile := filepath.Join(dir, "tls", "key.pem")

	cfg, err := LoadOrCreateTLSConfig(certFile, keyFile, []string{"majsoul.com", "127.0.0.1"})
	if err != nil {
		t.Fatalf("LoadOrCreateTLSConfig: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("certificates = %d, want 1", len(cfg.Certificates))
	}

	leaf, err := x509.ParseCertificate(cfg.Certificates[0].Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"majsoul.com", "game.majsoul.com"} {
		if err := leaf.VerifyHostname(name); err != nil {
			t.Errorf("VerifyHostname(%s): %v", name, err)
		}
	}
	if err := leaf.VerifyHostname("127.0.0.1"); err != nil {
		t.Errorf("VerifyHostname(127.0.0.1): %v", err)
	}

	info, err := os.Stat(keyFile)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0077 != 0 {
		t.Errorf("key file mode = %v, want owner-only", info.Mode().Perm())
	}

	// A second call reuses the existing pair.
	before, _ := os.ReadFile(certFile)
	if _, err := LoadOrCreateTLSConfig(certFile, keyFile, nil); err != nil {
		t.Fatal(err)
	}
	after, _ := os.ReadFile(certFile)
	if string(before) != string(after) {
		t.Error("certificate regenerated although it existed")
	}
}

func TestCleanOldLogs(t *testing.T) {
	dir := t.TempDir()
	names := []string{
		"liqitap_2026-01-01.log",
		"liqitap_2026-01-02.log",
		"liqitap_2026-01-03.log",
		"liqitap_2026-01-04.log",
		"other.log",
	}
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), nil, 0644); err != nil {
			t.Fatal(err)
		}
	}

	removed := CleanOldLogs(dir, 2)
	if len(removed) != 2 {
		t.Fatalf("removed %v, want 2 files", removed)
	}
	for _, n := range []string{"liqitap_2026-01-01.log", "liqitap_2026-01-02.log"} {
		if FileExists(filepath.Join(dir, n)) {
			t.Errorf("%s should have been removed", n)
		}
	}
	for _, n := range []string{"liqitap_2026-01-03.log", "liqitap_2026-01-04.log", "other.log"} {
		if !FileExists(filepath.Join(dir, n)) {
			t.Errorf("%s should have been kept", n)
		}
	}
}

func TestInitLogger(t *testing.T) {
	dir := t.TempDir()
	closer, err := InitLogger(LogConfig{Level: "debug", Directory: dir, MaxBackups: 3})
	if err != nil {
		t.Fatalf("InitLogger: %v", err)
	}
	defer closer.Close()

	logger := ComponentLogger("test")
	logger.Info().Msg("hello")

	matches, _ := filepath.Glob(filepath.Join(dir, "liqitap_*.log"))
	if len(matches) != 1 {
		t.Fatalf("log files = %v, want 1", matches)
	}
}
