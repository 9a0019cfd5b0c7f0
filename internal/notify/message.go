package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/dgnsrekt/gpuchannel/internal/ipc"
)

// EventKind identifies a host notification.
type EventKind string

const (
	EventOffscreenCreated   EventKind = "offscreen_created"
	EventOffscreenDestroyed EventKind = "offscreen_destroyed"
	EventContextLost        EventKind = "context_lost"
	EventChannelClosed      EventKind = "channel_closed"
)

// Event is one host notification waiting to be delivered.
type Event struct {
	Kind      EventKind
	ClientID  int32
	ChannelID string
	Route     ipc.RouteID
	Reason    ipc.ContextLostReason
	Time      time.Time
}

// Deliverable reports whether the event is worth a push notification.
// Offscreen lifecycle events are only logged.
func (e Event) Deliverable() bool {
	return e.Kind == EventContextLost || e.Kind == EventChannelClosed
}

// Title creates the notification title.
func (e Event) Title() string {
	switch e.Kind {
	case EventContextLost:
		return fmt.Sprintf("GPU Context Lost: client %d", e.ClientID)
	case EventChannelClosed:
		return fmt.Sprintf("GPU Channel Closed: client %d", e.ClientID)
	case EventOffscreenCreated:
		return fmt.Sprintf("Offscreen Context Created: client %d", e.ClientID)
	default:
		return fmt.Sprintf("Offscreen Context Destroyed: client %d", e.ClientID)
	}
}

// FormatMessage creates the notification body.
func FormatMessage(e Event) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Client: %d\n", e.ClientID))
	if e.ChannelID != "" {
		sb.WriteString(fmt.Sprintf("Channel: %s\n", e.ChannelID))
	}
	if e.Route != ipc.RouteNone {
		sb.WriteString(fmt.Sprintf("Route: %d\n", e.Route))
	}
	if e.Kind == EventContextLost {
		sb.WriteString(fmt.Sprintf("Reason: %s\n", e.Reason))
	}
	sb.WriteString(fmt.Sprintf("Time: %s", e.Time.UTC().Format(time.RFC3339)))

	return sb.String()
}

// priority overrides the configured priority for guilty losses.
func (e Event) priority(fallback string) string {
	if e.Kind == EventContextLost && e.Reason == ipc.ContextLostGuilty {
		return "high"
	}
	return fallback
}

func (e Event) tags(base string) string {
	var extra string
	switch e.Kind {
	case EventContextLost:
		extra = "warning"
	case EventChannelClosed:
		extra = "wave"
	default:
		return base
	}
	if base == "" {
		return extra
	}
	return base + "," + extra
}
