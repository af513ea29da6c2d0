package app

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/jaakkos/relaywork/internal/broker"
	"github.com/jaakkos/relaywork/internal/channels"
	"github.com/jaakkos/relaywork/internal/coordinator"
	"github.com/jaakkos/relaywork/internal/inbox"
	"github.com/jaakkos/relaywork/internal/registry"
	"github.com/jaakkos/relaywork/internal/workqueue"
)

var (
	// ErrNotRegistered means the session has no agent identity yet.
	ErrNotRegistered = errors.New("agent is not registered; call register_agent first")
	// ErrCoordinatorDisabled means the coordinator is turned off in config.
	ErrCoordinatorDisabled = errors.New("coordinator is disabled")
)

// Triggerable is something that can be poked after a state change (e.g. Notifier).
type Triggerable interface {
	Trigger()
}

// Service holds the broker-backed components shared by every agent session in the process.
type Service struct {
	client    *broker.Client
	directory Directory
	mailbox   Mailbox
	registry  *registry.Registry
	queue     *workqueue.Queue
	dlq       *workqueue.DeadLetterQueue
	channels  *channels.Channels
	policy    Policy
	logger    *log.Logger

	notifier Triggerable // optional; set via SetNotifier after construction
}

// NewService builds the registry, inbox, work queue, dead letter queue and channels over
// client, configured from pol.
func NewService(client *broker.Client, pol Policy, logger *log.Logger) *Service {
	reg := registry.New(client, pol.Namespace(), logger)
	mailbox := inbox.New(client, logger, inbox.WithMaxAge(pol.InboxMaxAge()))
	queue := workqueue.NewQueue(client, logger, workqueue.QueueOptions{
		AckTimeout:          pol.AckTimeout(),
		MaxDeliveryAttempts: pol.MaxDeliveryAttempts(),
	})
	dlq := workqueue.NewDeadLetterQueue(client, queue, logger, workqueue.DLQOptions{
		TTL:         pol.DeadLetterTTL(),
		DedupWindow: pol.DedupWindow(),
	})
	return &Service{
		client:    client,
		directory: reg,
		mailbox:   mailbox,
		registry:  reg,
		queue:     queue,
		dlq:       dlq,
		channels:  channels.New(client, logger, pol.Channels(), pol.ChannelRetention()),
		policy:    pol,
		logger:    logger,
	}
}

// Initialize creates the registry bucket. Safe to call concurrently from many processes.
func (s *Service) Initialize(ctx context.Context) error {
	return s.registry.Initialize(ctx)
}

// SetNotifier attaches a Triggerable that is poked after a message is sent.
func (s *Service) SetNotifier(n Triggerable) {
	s.notifier = n
}

// NewSession returns an unregistered agent session bound to this service.
func (s *Service) NewSession() *AgentSession {
	return &AgentSession{svc: s, logger: s.logger}
}

// Registry returns the agent registry.
func (s *Service) Registry() *registry.Registry { return s.registry }

// Directory returns the registry port.
func (s *Service) Directory() Directory { return s.directory }

// Queue returns the capability work queues.
func (s *Service) Queue() *workqueue.Queue { return s.queue }

// DeadLetters returns the dead letter queue.
func (s *Service) DeadLetters() *workqueue.DeadLetterQueue { return s.dlq }

// Channels returns the broadcast channels.
func (s *Service) Channels() *channels.Channels { return s.channels }

// Policy returns the configuration port.
func (s *Service) Policy() Policy { return s.policy }

// Connected reports whether the broker session is up.
func (s *Service) Connected() bool { return s.client != nil && s.client.Connected() }

// BrokerAddress is recorded on every entry this process registers.
func (s *Service) BrokerAddress() string { return s.policy.NATSURL() }

// CoordinatorConfig converts the configured coordinator block.
func (s *Service) CoordinatorConfig() coordinator.Config {
	c := s.policy.Coordinator()
	return coordinator.Config{
		AssignmentTimeout: time.Duration(c.AssignmentTimeoutMs) * time.Millisecond,
		MaxAttempts:       c.MaxAttempts,
		AutoRetry:         c.AutoRetry,
		RetryPriority:     c.RetryPriority,
	}
}

// CoordinatorEnabled reports whether registered sessions get a coordinator.
func (s *Service) CoordinatorEnabled() bool { return s.policy.Coordinator().Enabled }

func (s *Service) trigger() {
	if s.notifier != nil {
		s.notifier.Trigger()
	}
}
