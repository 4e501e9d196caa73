// Package config loads the TOML files of the server daemon and the client.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Store backends.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendScylla   = "scylla"
	BackendMongo    = "mongo"
	BackendMemory   = "memory"
)

// Duration decodes TOML strings such as "5s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Server is dealroomd.toml.
type Server struct {
	Server   ServerSection `toml:"server"`
	Store    StoreSection  `toml:"store"`
	Hub      HubSection    `toml:"hub"`
	Kafka    KafkaSection  `toml:"kafka"`
	Log      LogSection    `toml:"log"`
	Listings []Listing     `toml:"listings"`
}

type ServerSection struct {
	Env             string   `toml:"env"`
	HTTPAddr        string   `toml:"http_addr"`
	AdminSocket     string   `toml:"admin_socket"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
	AllowOrigins    []string `toml:"allow_origins"`
}

type StoreSection struct {
	Backend    string          `toml:"backend"`
	SQLitePath string          `toml:"sqlite_path"`
	Postgres   PostgresSection `toml:"postgres"`
	Scylla     ScyllaSection   `toml:"scylla"`
	Mongo      MongoSection    `toml:"mongo"`
}

type PostgresSection struct {
	DSN string `toml:"dsn"`
}

type ScyllaSection struct {
	Hosts             []string `toml:"hosts"`
	Keyspace          string   `toml:"keyspace"`
	Consistency       string   `toml:"consistency"`
	Timeout           Duration `toml:"timeout"`
	ReplicationFactor int      `toml:"replication_factor"`
	Username          string   `toml:"username"`
	Password          string   `toml:"password"`
}

type MongoSection struct {
	URI      string `toml:"uri"`
	Database string `toml:"database"`
}

// HubSection sizes per-connection buffers. A connection that falls this far
// behind is evicted.
type HubSection struct {
	SendBuffer int `toml:"send_buffer"`
}

// KafkaSection enables the message.accepted notifier when brokers are set.
type KafkaSection struct {
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
}

// Enabled reports whether a notifier should be started.
func (k KafkaSection) Enabled() bool { return len(k.Brokers) > 0 }

type LogSection struct {
	Path  string `toml:"path"`
	Level string `toml:"level"`
}

// Listing is one catalog entry served by the static catalog.
type Listing struct {
	ID         string `toml:"id"`
	OwnerID    string `toml:"owner_id"`
	Title      string `toml:"title"`
	PriceCents int64  `toml:"price_cents"`
}

// DefaultServer returns a config that runs a single node on sqlite.
func DefaultServer() Server {
	return Server{
		Server: ServerSection{
			Env:             "development",
			HTTPAddr:        ":8080",
			AdminSocket:     "/tmp/dealroomd.sock",
			ShutdownTimeout: Duration{10 * time.Second},
		},
		Store: StoreSection{
			Backend:    BackendSQLite,
			SQLitePath: "dealroom.db",
			Scylla: ScyllaSection{
				Keyspace:          "dealroom",
				Consistency:       "QUORUM",
				Timeout:           Duration{5 * time.Second},
				ReplicationFactor: 1,
			},
			Mongo: MongoSection{Database: "dealroom"},
		},
		Hub:   HubSection{SendBuffer: 64},
		Kafka: KafkaSection{Topic: "dealroom.messages"},
		Log:   LogSection{Level: "info"},
	}
}

// LoadServer reads path over the defaults, then applies environment
// overrides. An empty path or missing file leaves the defaults in place.
func LoadServer(path string) (Server, error) {
	cfg := DefaultServer()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("read %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Server) applyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = splitList(v)
		}
	}
	set("APP_ENV", &c.Server.Env)
	set("DEALROOM_HTTP_ADDR", &c.Server.HTTPAddr)
	set("DEALROOM_ADMIN_SOCKET", &c.Server.AdminSocket)
	set("DEALROOM_STORE", &c.Store.Backend)
	set("DEALROOM_SQLITE_PATH", &c.Store.SQLitePath)
	set("DEALROOM_POSTGRES_DSN", &c.Store.Postgres.DSN)
	list("DEALROOM_SCYLLA_HOSTS", &c.Store.Scylla.Hosts)
	set("DEALROOM_MONGO_URI", &c.Store.Mongo.URI)
	list("DEALROOM_KAFKA_BROKERS", &c.Kafka.Brokers)
	set("DEALROOM_LOG_PATH", &c.Log.Path)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate rejects unknown backends and missing backend settings.
func (c Server) Validate() error {
	var errs []error
	if c.Server.HTTPAddr == "" {
		errs = append(errs, errors.New("server.http_addr is required"))
	}
	switch c.Store.Backend {
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("store.sqlite_path is required for sqlite"))
		}
	case BackendPostgres:
		if c.Store.Postgres.DSN == "" {
			errs = append(errs, errors.New("store.postgres.dsn is required for postgres"))
		}
	case BackendScylla:
		if len(c.Store.Scylla.Hosts) == 0 {
			errs = append(errs, errors.New("store.scylla.hosts is required for scylla"))
		}
		if c.Store.Scylla.Keyspace == "" {
			errs = append(errs, errors.New("store.scylla.keyspace is required for scylla"))
		}
	case BackendMongo:
		if c.Store.Mongo.URI == "" || c.Store.Mongo.Database == "" {
			errs = append(errs, errors.New("store.mongo.uri and store.mongo.database are required for mongo"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is not one of sqlite, postgres, scylla, mongo, memory", c.Store.Backend))
	}
	if c.Hub.SendBuffer < 1 {
		errs = append(errs, errors.New("hub.send_buffer must be positive"))
	}
	if c.Kafka.Enabled() && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka.topic is required when brokers are set"))
	}
	seen := make(map[string]bool, len(c.Listings))
	for i, l := range c.Listings {
		if l.ID == "" || l.OwnerID == "" {
			errs = append(errs, fmt.Errorf("listings[%d]: id and owner_id are required", i))
			continue
		}
		if seen[l.ID] {
			errs = append(errs, fmt.Errorf("listings[%d]: duplicate id %q", i, l.ID))
		}
		seen[l.ID] = true
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Client is the shared ~/.dealroom/config.toml.
type Client struct {
	DefaultProfile string                   `toml:"default_profile"`
	Profiles       map[string]ClientProfile `toml:"profiles"`
	Queue          QueueSection             `toml:"queue"`
}

// ClientProfile binds a profile name to a server and an identity.
type ClientProfile struct {
	ServerURL   string `toml:"server_url"`
	Participant string `toml:"participant"`
	Role        string `toml:"role"`
}

// QueueSection tunes outbox retries.
type QueueSection struct {
	BaseDelay     Duration `toml:"base_delay"`
	MaxDelay      Duration `toml:"max_delay"`
	MaxAttempts   int      `toml:"max_attempts"`
	FlushInterval Duration `toml:"flush_interval"`
}

// DefaultClient returns the client defaults.
func DefaultClient() Client {
	return Client{
		Queue: QueueSection{
			BaseDelay:     Duration{time.Second},
			MaxDelay:      Duration{30 * time.Second},
			MaxAttempts:   5,
			FlushInterval: Duration{5 * time.Second},
		},
	}
}

// LoadClient reads path over the defaults. A missing file is not an error.
func LoadClient(path string) (*Client, error) {
	cfg := DefaultClient()
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return &cfg, nil
}

// Profile returns the named profile. DEALROOM_SERVER_URL and
// DEALROOM_PARTICIPANT fill fields the file leaves empty.
func (c *Client) Profile(name string) (ClientProfile, error) {
	p := c.Profiles[name]
	if p.ServerURL == "" {
		p.ServerURL = os.Getenv("DEALROOM_SERVER_URL")
	}
	if p.Participant == "" {
		p.Participant = os.Getenv("DEALROOM_PARTICIPANT")
	}
	if p.ServerURL == "" || p.Participant == "" {
		return p, fmt.Errorf("profile %q: server_url and participant are required", name)
	}
	return p, nil
}

// SetProfile stores p under name.
func (c *Client) SetProfile(name string, p ClientProfile) {
	if c.Profiles == nil {
		c.Profiles = make(map[string]ClientProfile)
	}
	c.Profiles[name] = p
}

// Save writes v to path, creating parent dirs as needed.
func Save(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(v)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
