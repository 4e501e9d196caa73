package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadServerDefaults(t *testing.T) {
	cfg, err := LoadServer("")
	if err != nil {
		t.Fatalf("LoadServer() error = %v", err)
	}
	if cfg.Store.Backend != BackendSQLite || cfg.Hub.SendBuffer != 64 {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.Server.ShutdownTimeout.Duration != 10*time.Second {
		t.Errorf("shutdown timeout = %v", cfg.Server.ShutdownTimeout)
	}
}

func TestLoadServerFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dealroomd.toml")
	content := `
[server]
http_addr = ":9000"
shutdown_timeout = "3s"

[store]
backend = "scylla"

[store.scylla]
hosts = ["10.0.0.1"]
consistency = "LOCAL_QUORUM"

[hub]
send_buffer = 8

[[listings]]
id = "42"
owner_id = "seller@y"
title = "Civic 2019"
price_cents = 8500000
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DEALROOM_SCYLLA_HOSTS", "a:9042, b:9042")
	t.Setenv("DEALROOM_KAFKA_BROKERS", "k1:9092")

	cfg, err := LoadServer(path)
	if err != nil {
		t.Fatalf("LoadServer() error = %v", err)
	}
	if cfg.Server.HTTPAddr != ":9000" || cfg.Server.ShutdownTimeout.Duration != 3*time.Second {
		t.Errorf("server = %+v", cfg.Server)
	}
	if got := strings.Join(cfg.Store.Scylla.Hosts, ","); got != "a:9042,b:9042" {
		t.Errorf("hosts = %q", got)
	}
	if cfg.Store.Scylla.Keyspace != "dealroom" || cfg.Store.Scylla.Consistency != "LOCAL_QUORUM" {
		t.Errorf("scylla = %+v", cfg.Store.Scylla)
	}
	if !cfg.Kafka.Enabled() || cfg.Kafka.Topic != "dealroom.messages" {
		t.Errorf("kafka = %+v", cfg.Kafka)
	}
	if len(cfg.Listings) != 1 || cfg.Listings[0].PriceCents != 8500000 {
		t.Errorf("listings = %+v", cfg.Listings)
	}
}

func TestServerValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Server)
		wantErr string
	}{
		{"defaults", func(*Server) {}, ""},
		{"memory", func(c *Server) { c.Store.Backend = BackendMemory }, ""},
		{"unknown backend", func(c *Server) { c.Store.Backend = "redis" }, "not one of"},
		{"postgres without dsn", func(c *Server) { c.Store.Backend = BackendPostgres }, "postgres.dsn"},
		{"mongo without uri", func(c *Server) { c.Store.Backend = BackendMongo }, "mongo.uri"},
		{"scylla without hosts", func(c *Server) { c.Store.Backend = BackendScylla }, "scylla.hosts"},
		{"zero buffer", func(c *Server) { c.Hub.SendBuffer = 0 }, "send_buffer"},
		{"kafka without topic", func(c *Server) { c.Kafka = KafkaSection{Brokers: []string{"k"}} }, "kafka.topic"},
		{"duplicate listing", func(c *Server) {
			c.Listings = []Listing{{ID: "1", OwnerID: "a"}, {ID: "1", OwnerID: "b"}}
		}, "duplicate"},
		{"listing without owner", func(c *Server) { c.Listings = []Listing{{ID: "1"}} }, "owner_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultServer()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestClientSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := DefaultClient()
	cfg.DefaultProfile = "buyer"
	cfg.SetProfile("buyer", ClientProfile{ServerURL: "http://localhost:8080", Participant: "buyer@x"})
	if err := Save(path, &cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := LoadClient(path)
	if err != nil {
		t.Fatalf("LoadClient() error = %v", err)
	}
	if loaded.DefaultProfile != "buyer" {
		t.Errorf("DefaultProfile = %q", loaded.DefaultProfile)
	}
	p, err := loaded.Profile("buyer")
	if err != nil {
		t.Fatal(err)
	}
	if p.Participant != "buyer@x" {
		t.Errorf("profile = %+v", p)
	}
	if loaded.Queue.MaxAttempts != 5 || loaded.Queue.BaseDelay.Duration != time.Second {
		t.Errorf("queue = %+v", loaded.Queue)
	}
}

func TestClientProfileFromEnv(t *testing.T) {
	cfg, err := LoadClient("/nonexistent/config.toml")
	if err != nil {
		t.Fatalf("LoadClient() error = %v", err)
	}
	if _, err := cfg.Profile("default"); err == nil {
		t.Fatal("expected error for empty profile")
	}
	t.Setenv("DEALROOM_SERVER_URL", "http://chat:8080")
	t.Setenv("DEALROOM_PARTICIPANT", "seller@y")
	p, err := cfg.Profile("default")
	if err != nil {
		t.Fatal(err)
	}
	if p.ServerURL != "http://chat:8080" || p.Participant != "seller@y" {
		t.Errorf("profile = %+v", p)
	}
}

func TestSavePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := Save(path, &Client{DefaultProfile: "main"}); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
