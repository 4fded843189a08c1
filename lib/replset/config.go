package replset

import (
	"fmt"
	"strings"
	"time"

	"github.com/ValentinKolb/repltail/lib/oplog"
)

// DefaultElectionTimeout is applied when a configuration does not name an
// election timeout of its own.
const DefaultElectionTimeout = 10 * time.Second

// --------------------------------------------------------------------------
// Replica set configuration
// --------------------------------------------------------------------------

// Member describes a single node of the replica set.
type Member struct {
	ID   int    `bson:"_id" mapstructure:"id"`
	Host string `bson:"host" mapstructure:"host"`
}

// Config holds the replica-set configuration a fetch session runs under.
// It is immutable for the lifetime of the session. Initialize must be
// called (and succeed) before the config is used.
type Config struct {
	// Name of the replica set ("_id" in the wire form)
	Name string `bson:"_id" mapstructure:"name"`
	// Version of the configuration document
	Version int `bson:"version" mapstructure:"version"`
	// ProtocolVersion selects the replication protocol (0 or 1)
	ProtocolVersion int64 `bson:"protocolVersion" mapstructure:"protocol-version"`
	// Members of the replica set
	Members []Member `bson:"members" mapstructure:"members"`
	// ElectionTimeout is the configured election timeout period
	ElectionTimeout time.Duration `bson:"-" mapstructure:"election-timeout"`

	initialized bool
}

// Initialize validates the configuration and marks it usable. It must be
// called before the config is passed to a fetch session.
func (c *Config) Initialize() error {
	if c.Name == "" {
		return oplog.NewError(oplog.CodeInvalidReplicaSetConfig, "replica set configuration has no name")
	}
	if c.Version < 1 {
		return oplog.Errorf(oplog.CodeInvalidReplicaSetConfig, "invalid replica set configuration version: %d", c.Version)
	}
	if c.ProtocolVersion != 0 && c.ProtocolVersion != 1 {
		return oplog.Errorf(oplog.CodeInvalidReplicaSetConfig, "unsupported protocol version: %d", c.ProtocolVersion)
	}
	if len(c.Members) == 0 {
		return oplog.NewError(oplog.CodeInvalidReplicaSetConfig, "replica set configuration has no members")
	}
	for _, m := range c.Members {
		if m.Host == "" {
			return oplog.Errorf(oplog.CodeInvalidReplicaSetConfig, "replica set member %d has no host", m.ID)
		}
	}
	if c.ElectionTimeout <= 0 {
		c.ElectionTimeout = DefaultElectionTimeout
	}
	c.initialized = true
	return nil
}

// IsInitialized reports whether Initialize has been run successfully.
func (c Config) IsInitialized() bool {
	return c.initialized
}

// IsProtocolVersion1 reports whether the set runs replication protocol
// version 1.
func (c Config) IsProtocolVersion1() bool {
	return c.ProtocolVersion == 1
}

// ElectionTimeoutPeriod returns the configured election timeout.
func (c Config) ElectionTimeoutPeriod() time.Duration {
	return c.ElectionTimeout
}

// String returns a formatted string representation of the configuration.
func (c Config) String() string {
	var sb strings.Builder

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	sb.WriteString("REPLICA SET\n")
	addField("Name", c.Name)
	addField("Version", fmt.Sprintf("%d", c.Version))
	addField("Protocol Version", fmt.Sprintf("%d", c.ProtocolVersion))
	addField("Election Timeout", c.ElectionTimeout.String())
	sb.WriteString("  Members:\n")
	for _, m := range c.Members {
		sb.WriteString(fmt.Sprintf("    Node %d: %s\n", m.ID, m.Host))
	}
	return sb.String()
}
