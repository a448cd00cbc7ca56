package teamvault

import "time"

// EventKind classifies vault notifications delivered to a Notifier.
type EventKind string

const (
	EventSecretShared   EventKind = "secret_shared"
	EventAccessRevoked  EventKind = "access_revoked"
	EventSecretRotated  EventKind = "secret_rotated"
	EventSecretDeleted  EventKind = "secret_deleted"
	EventIntegrityAlert EventKind = "integrity_alert"
	EventCertRevoked    EventKind = "certificate_revoked"
)

// Event describes something a user should hear about. Events carry
// identifiers and public metadata only, never secret material.
type Event struct {
	Kind      EventKind      `json:"kind"`
	UserID    string         `json:"user_id"`
	SecretID  string         `json:"secret_id,omitempty"`
	ActorID   string         `json:"actor_id,omitempty"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Notifier receives vault events. Implementations must not block: Notify is
// called inline from vault operations, so slow consumers should buffer or
// drop. Delivery is best effort; a lost notification never fails the
// operation that produced it.
type Notifier interface {
	Notify(event Event)
}

// NoOpNotifier discards all events. It is the default.
type NoOpNotifier struct{}

func (NoOpNotifier) Notify(Event) {}

// ChanNotifier forwards events to a channel, dropping when the channel is
// full so publishers never block.
type ChanNotifier struct {
	ch chan Event
}

// NewChanNotifier creates a ChanNotifier with the given buffer size.
func NewChanNotifier(buffer int) *ChanNotifier {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChanNotifier{ch: make(chan Event, buffer)}
}

// Events returns the receive side of the notifier.
func (n *ChanNotifier) Events() <-chan Event {
	return n.ch
}

func (n *ChanNotifier) Notify(event Event) {
	select {
	case n.ch <- event:
	default:
		// drop rather than block the vault operation
	}
}
