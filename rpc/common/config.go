package common

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Replication Types
// --------------------------------------------------------------------------

type ReplicationType string

const (
	ReplicationSync  ReplicationType = "sync"
	ReplicationAsync ReplicationType = "async"
)

// --------------------------------------------------------------------------
// Server Configuration
// --------------------------------------------------------------------------

// NodeConfig identifies one static cluster peer.
type NodeConfig struct {
	ID   int32  `mapstructure:"id"`
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns the peer's dialable address.
func (n NodeConfig) Addr() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

// ElectionConfig holds the bully election timings in milliseconds.
type ElectionConfig struct {
	LeaderHeartbeatIntervalMs uint64 `mapstructure:"leader_heartbeat_interval_ms"`
	LeaderMissingTimeoutMs    uint64 `mapstructure:"leader_missing_timeout_ms"`
	ElectionTimeoutMs         uint64 `mapstructure:"election_timeout_ms"`
}

// HeartbeatInterval returns the leader heartbeat period.
func (e ElectionConfig) HeartbeatInterval() time.Duration {
	return time.Duration(e.LeaderHeartbeatIntervalMs) * time.Millisecond
}

// LeaderMissingTimeout returns how long a follower waits for an Alive before
// restarting the election.
func (e ElectionConfig) LeaderMissingTimeout() time.Duration {
	return time.Duration(e.LeaderMissingTimeoutMs) * time.Millisecond
}

// ElectionTimeout returns how long a node waits for higher peers during an
// election.
func (e ElectionConfig) ElectionTimeout() time.Duration {
	return time.Duration(e.ElectionTimeoutMs) * time.Millisecond
}

// ReplicationConfig selects the replication strategy. The interval is
// required for async replication.
type ReplicationConfig struct {
	Type                 ReplicationType `mapstructure:"type"`
	IntervalMilliseconds uint64          `mapstructure:"interval_milliseconds"`
}

// Interval returns the async batch interval.
func (r ReplicationConfig) Interval() time.Duration {
	return time.Duration(r.IntervalMilliseconds) * time.Millisecond
}

// ClusterConfig holds the optional active-active clustering block.
type ClusterConfig struct {
	ID          int32             `mapstructure:"id"`
	IP          string            `mapstructure:"ip"`
	Port        int               `mapstructure:"port"`
	Password    string            `mapstructure:"password"`
	Nodes       []NodeConfig      `mapstructure:"nodes"`
	Election    ElectionConfig    `mapstructure:"election"`
	Replication ReplicationConfig `mapstructure:"replication"`
}

// Addr returns the cluster listener address.
func (c *ClusterConfig) Addr() string {
	return net.JoinHostPort(c.IP, strconv.Itoa(c.Port))
}

// ServerConfig holds all configuration parameters of a tessera node.
type ServerConfig struct {
	// Client listener
	IP      string `mapstructure:"ip"`
	Port    int    `mapstructure:"port"`
	Backlog int    `mapstructure:"backlog"`

	// Client authentication
	Password string `mapstructure:"password"`

	// Cache sweep interval in milliseconds. Zero disables the sweeper.
	ExpireCheckInterval uint64 `mapstructure:"expire_check_interval"`

	// Logging
	LogLevel string `mapstructure:"log_level"`

	// Optional clustering
	Cluster *ClusterConfig `mapstructure:"cluster"`
}

// Addr returns the client listener address.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.IP, strconv.Itoa(c.Port))
}

// ExpireInterval returns the sweep interval as a duration.
func (c *ServerConfig) ExpireInterval() time.Duration {
	return time.Duration(c.ExpireCheckInterval) * time.Millisecond
}

// Validate checks the configuration for errors that must fail startup.
func (c *ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid client port %d", c.Port)
	}
	if c.Password == "" {
		return fmt.Errorf("password must not be empty")
	}

	if c.Cluster == nil {
		return nil
	}

	cl := c.Cluster
	if cl.Port <= 0 || cl.Port > 65535 {
		return fmt.Errorf("invalid cluster port %d", cl.Port)
	}
	if cl.Password == "" {
		return fmt.Errorf("cluster password must not be empty")
	}
	if len(cl.Nodes) == 0 {
		return fmt.Errorf("cluster requires at least one peer node")
	}

	seen := map[int32]bool{cl.ID: true}
	for _, node := range cl.Nodes {
		if seen[node.ID] {
			return fmt.Errorf("duplicate cluster node id %d", node.ID)
		}
		seen[node.ID] = true
		if node.Host == "" || node.Port <= 0 || node.Port > 65535 {
			return fmt.Errorf("invalid address for cluster node %d", node.ID)
		}
	}

	switch cl.Replication.Type {
	case ReplicationSync:
	case ReplicationAsync:
		if cl.Replication.IntervalMilliseconds == 0 {
			return fmt.Errorf("async replication requires interval_milliseconds")
		}
	default:
		return fmt.Errorf("invalid replication type %q (expected sync or async)", cl.Replication.Type)
	}

	if cl.Election.LeaderHeartbeatIntervalMs == 0 ||
		cl.Election.LeaderMissingTimeoutMs == 0 ||
		cl.Election.ElectionTimeoutMs == 0 {
		return fmt.Errorf("election timings must all be nonzero")
	}

	return nil
}

// String returns a formatted string representation of the configuration.
func (c *ServerConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Client Listener")
	addField("Address", c.Addr())
	addField("Backlog", strconv.Itoa(c.Backlog))

	addSection("Cache")
	if c.ExpireCheckInterval > 0 {
		addField("Sweep Interval", fmt.Sprintf("%d ms", c.ExpireCheckInterval))
	} else {
		addField("Sweep Interval", "disabled (lazy expiry only)")
	}

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	if c.Cluster != nil {
		cl := c.Cluster

		addSection("Cluster")
		addField("Node ID", strconv.Itoa(int(cl.ID)))
		addField("Address", cl.Addr())
		addField("Replication", string(cl.Replication.Type))
		if cl.Replication.Type == ReplicationAsync {
			addField("Batch Interval", fmt.Sprintf("%d ms", cl.Replication.IntervalMilliseconds))
		}

		addSection("Election Timings")
		addField("Heartbeat Interval", fmt.Sprintf("%d ms", cl.Election.LeaderHeartbeatIntervalMs))
		addField("Missing Leader", fmt.Sprintf("%d ms", cl.Election.LeaderMissingTimeoutMs))
		addField("Election Timeout", fmt.Sprintf("%d ms", cl.Election.ElectionTimeoutMs))

		addSection("Peers")

		// Sort by id for consistent output
		nodes := make([]NodeConfig, len(cl.Nodes))
		copy(nodes, cl.Nodes)
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

		for _, node := range nodes {
			addField(strconv.Itoa(int(node.ID)), node.Addr())
		}
	}

	return sb.String()
}
