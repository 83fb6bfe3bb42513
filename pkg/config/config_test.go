package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "driftgram.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func testKeys(t *testing.T) (privB64, pubB64 string) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	return base64.StdEncoding.EncodeToString(priv.Seed()), base64.StdEncoding.EncodeToString(pub)
}

func TestLoadAppliesDefaults(t *testing.T) {
	priv, _ := testKeys(t)
	path := writeConfig(t, `
server:
  port: 4500
  private_signing_key: `+priv+`
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.BindAddress != DefaultBindAddress {
		t.Errorf("bind address: %q", cfg.Server.BindAddress)
	}
	if cfg.Server.SessionTimeout != DefaultSessionTimeout {
		t.Errorf("session timeout: %v", cfg.Server.SessionTimeout)
	}
	if cfg.Server.HeartbeatInterval != DefaultHeartbeatInterval {
		t.Errorf("heartbeat interval: %v", cfg.Server.HeartbeatInterval)
	}
	if cfg.Server.MaxReliableQueue != DefaultMaxReliableQueue {
		t.Errorf("reliable queue: %d", cfg.Server.MaxReliableQueue)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("logging level: %q", cfg.Logging.Level)
	}
	if cfg.ServerAddr() != "0.0.0.0:4500" {
		t.Errorf("server addr: %q", cfg.ServerAddr())
	}
}

func TestLoadExplicitValues(t *testing.T) {
	priv, pub := testKeys(t)
	path := writeConfig(t, `
server:
  port: 9000
  bind_address: 127.0.0.1
  private_signing_key: `+priv+`
  session_timeout: 30s
  heartbeat_interval: 2s
  max_connections: 8
client:
  host: example.net
  port: 9000
  server_public_key: `+pub+`
logging:
  level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.SessionTimeout != 30*time.Second {
		t.Errorf("session timeout: %v", cfg.Server.SessionTimeout)
	}
	if cfg.Server.HeartbeatInterval != 2*time.Second {
		t.Errorf("heartbeat interval: %v", cfg.Server.HeartbeatInterval)
	}
	if cfg.Server.MaxConnections != 8 {
		t.Errorf("max connections: %d", cfg.Server.MaxConnections)
	}
	if cfg.ClientTarget() != "example.net:9000" {
		t.Errorf("client target: %q", cfg.ClientTarget())
	}

	key, err := cfg.ServerSigningKey()
	if err != nil {
		t.Fatalf("signing key: %v", err)
	}
	pubKey, err := cfg.ClientServerKey()
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	if string(key.Public().(ed25519.PublicKey)) != string(pubKey) {
		t.Error("keypair halves do not match")
	}
}

func TestValidateRejections(t *testing.T) {
	priv, _ := testKeys(t)

	testCases := []struct {
		name    string
		content string
	}{
		{"missing signing key", "server:\n  port: 4500\n"},
		{"bad port", "server:\n  port: 99999\n  private_signing_key: " + priv + "\n"},
		{"bad key encoding", "server:\n  port: 4500\n  private_signing_key: '!!!'\n"},
		{"client missing key", "client:\n  host: h\n  port: 1\n"},
		{"bad logging level", "logging:\n  level: verbose\n"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.content)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestSigningKeyAcceptsExpandedForm(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	cfg := &Config{}
	cfg.Server.PrivateSigningKey = base64.StdEncoding.EncodeToString(priv)
	key, err := cfg.ServerSigningKey()
	if err != nil {
		t.Fatalf("expanded key rejected: %v", err)
	}
	if !priv.Equal(key) {
		t.Error("expanded key mismatch")
	}
}
