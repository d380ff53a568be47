package natsgroup

import (
	"fmt"
	"time"

	"github.com/herdlib/herd/types"
)

// Config is the configuration for the NATS-backed group member.
type Config struct {
	// GroupID names the worker group. All workers of one cluster share
	// the same GroupID; it prefixes every KV bucket the transport uses.
	GroupID string `yaml:"groupId"`

	// AdvertisedURL is this worker's URL, shared with the group for
	// request forwarding.
	AdvertisedURL string `yaml:"advertisedUrl"`

	// Protocol is the highest rebalance protocol version this worker
	// supports. The group negotiates down to the lowest version any
	// joined member offers.
	Protocol types.ProtocolVersion `yaml:"protocol"`

	// SessionTTL is the member liveness TTL. A worker missing heartbeats
	// for this long is considered departed. Recommended: 30 seconds.
	SessionTTL time.Duration `yaml:"sessionTtl"`

	// HeartbeatInterval is how often the member refreshes its liveness
	// key and contends for leadership. Must be well below SessionTTL.
	// Recommended: SessionTTL / 3.
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`

	// RebalanceDelay is the scheduled rebalance delay the leader imposes
	// when a member disappears, giving bouncing workers time to return
	// before their work moves. Zero disables delaying.
	RebalanceDelay time.Duration `yaml:"rebalanceDelay"`

	// Replicas is the replication factor for the transport's KV buckets.
	Replicas int `yaml:"replicas"`
}

// SetDefaults fills in missing configuration values.
func (c *Config) SetDefaults() {
	if c.SessionTTL == 0 {
		c.SessionTTL = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = c.SessionTTL / 3
	}
	if c.Replicas == 0 {
		c.Replicas = 1
	}
}

// Validate checks configuration constraints.
func (c *Config) Validate() error {
	if c.GroupID == "" {
		return fmt.Errorf("group ID is required")
	}
	if c.Protocol != types.ProtocolEager && !c.Protocol.Cooperative() {
		return fmt.Errorf("unknown protocol version %d", int16(c.Protocol))
	}
	if c.HeartbeatInterval >= c.SessionTTL {
		return fmt.Errorf("heartbeat interval (%v) must be below session TTL (%v)",
			c.HeartbeatInterval, c.SessionTTL)
	}

	return nil
}

func (c *Config) membersBucket() string {
	return c.GroupID + "-members"
}

func (c *Config) coordBucket() string {
	return c.GroupID + "-coord"
}
