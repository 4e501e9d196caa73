// Package scylla implements conversation.Store on ScyllaDB/Cassandra through gocql.
package scylla

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"
)

var keyspacePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// Config selects the cluster and keyspace.
type Config struct {
	Hosts             []string
	Keyspace          string
	Consistency       gocql.Consistency
	Timeout           time.Duration
	ReplicationFactor int
	Username          string
	Password          string
}

// ParseConsistency maps a config string to a gocql consistency level.
func ParseConsistency(v string) (gocql.Consistency, error) {
	if v == "" {
		return gocql.Quorum, nil
	}
	c, err := gocql.ParseConsistencyWrapper(v)
	if err != nil {
		return 0, fmt.Errorf("scylla consistency %q: %w", v, err)
	}
	return c, nil
}

// NewSession ensures schema exists and returns a connected session.
func NewSession(ctx context.Context, cfg Config, logger *zap.Logger) (*gocql.Session, error) {
	if !keyspacePattern.MatchString(cfg.Keyspace) {
		return nil, fmt.Errorf("invalid keyspace name: %s", cfg.Keyspace)
	}
	if cfg.ReplicationFactor <= 0 {
		cfg.ReplicationFactor = 1
	}

	base := cluster(cfg)
	baseSession, err := base.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("connect to scylla: %w", err)
	}
	defer baseSession.Close()

	if err := ensureKeyspace(ctx, baseSession, cfg); err != nil {
		return nil, err
	}

	c := cluster(cfg)
	c.Keyspace = cfg.Keyspace
	session, err := c.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("connect to keyspace %s: %w", cfg.Keyspace, err)
	}
	if err := ensureTables(ctx, session); err != nil {
		session.Close()
		return nil, err
	}
	if logger != nil {
		logger.Info("scylla connected", zap.Strings("hosts", cfg.Hosts), zap.String("keyspace", cfg.Keyspace))
	}
	return session, nil
}

func cluster(cfg Config) *gocql.ClusterConfig {
	c := gocql.NewCluster(cfg.Hosts...)
	if cfg.Timeout > 0 {
		c.Timeout = cfg.Timeout
		// avoid long stalls on auth/connect
		c.ConnectTimeout = cfg.Timeout
	}
	c.Consistency = cfg.Consistency
	c.SerialConsistency = gocql.LocalSerial
	if cfg.Username != "" {
		c.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}
	return c
}

func ensureKeyspace(ctx context.Context, session *gocql.Session, cfg Config) error {
	cql := fmt.Sprintf(
		"CREATE KEYSPACE IF NOT EXISTS %s WITH replication = {'class': 'SimpleStrategy', 'replication_factor': %d}",
		cfg.Keyspace, cfg.ReplicationFactor,
	)
	if err := session.Query(cql).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("create keyspace: %w", err)
	}
	return nil
}

var tables = []struct {
	name string
	cql  string
}{
	{"conversations", `
CREATE TABLE IF NOT EXISTS conversations (
	id text PRIMARY KEY,
	participant_a text,
	participant_b text,
	subject_id text,
	subject_title text,
	subject_price_cents bigint,
	created_at timestamp,
	last_message_at timestamp,
	last_message_id text,
	message_count int,
	is_read_by_a boolean,
	is_read_by_b boolean,
	is_flagged boolean,
	flag_reason text,
	flagged_at timestamp
)`},
	{"conversation_keys", `
CREATE TABLE IF NOT EXISTS conversation_keys (
	participant_a text,
	participant_b text,
	subject_id text,
	conversation_id text,
	PRIMARY KEY ((participant_a, participant_b, subject_id))
)`},
	{"conversations_by_participant", `
CREATE TABLE IF NOT EXISTS conversations_by_participant (
	participant text,
	conversation_id text,
	PRIMARY KEY (participant, conversation_id)
)`},
	{"messages", `
CREATE TABLE IF NOT EXISTS messages (
	conversation_id text,
	ts timestamp,
	msg_id text,
	sender text,
	body text,
	message_type text,
	payload text,
	is_read boolean,
	PRIMARY KEY (conversation_id, ts, msg_id)
) WITH CLUSTERING ORDER BY (ts DESC, msg_id ASC)`},
	{"message_ids", `
CREATE TABLE IF NOT EXISTS message_ids (
	conversation_id text,
	msg_id text,
	ts timestamp,
	PRIMARY KEY (conversation_id, msg_id)
)`},
}

func ensureTables(ctx context.Context, session *gocql.Session) error {
	for _, t := range tables {
		if err := session.Query(t.cql).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("create %s table: %w", t.name, err)
		}
	}
	return nil
}
