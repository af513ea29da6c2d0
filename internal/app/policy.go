package app

import (
	"time"

	"github.com/jaakkos/relaywork/internal/policy"
)

// Policy is the configuration port used by the application.
// Implemented by internal/policy.Policy.
type Policy interface {
	NATSURL() string
	Namespace() string
	WorkspaceRoot() string
	HeartbeatInterval() time.Duration
	AckTimeout() time.Duration
	MaxDeliveryAttempts() int
	DeadLetterTTL() time.Duration
	DedupWindow() time.Duration
	InboxMaxAge() time.Duration
	Channels() []string
	ChannelRetention() time.Duration
	Coordinator() policy.CoordinatorConfig
	IsToolEnabled(name string) bool
}
