package lifecycle

import (
	"context"

	"stake-arena/server/logging"
)

const (
	// EventPlayerJoined is emitted when a player enters the room.
	EventPlayerJoined logging.EventType = "lifecycle.player_joined"
	// EventPlayerEvicted is emitted when a newer join for the same account retires a live player.
	EventPlayerEvicted logging.EventType = "lifecycle.player_evicted"
	// EventPlayerDisconnected is emitted when a player's connection goes away.
	EventPlayerDisconnected logging.EventType = "lifecycle.player_disconnected"
	// EventPlayerExited is emitted when a player escapes with their collected value.
	EventPlayerExited logging.EventType = "lifecycle.player_exited"
	// EventPlayerEliminated is emitted when a player dies.
	EventPlayerEliminated logging.EventType = "lifecycle.player_eliminated"
)

// PlayerJoinedPayload captures spawn metadata for a new player.
type PlayerJoinedPayload struct {
	Name      string  `json:"name"`
	Account   string  `json:"account"`
	SpawnX    float64 `json:"spawnX"`
	SpawnY    float64 `json:"spawnY"`
	Particles int     `json:"particles"`
	Resumed   bool    `json:"resumed,omitempty"`
}

// PlayerEvictedPayload names the connection that replaced the evicted player.
type PlayerEvictedPayload struct {
	Account       string `json:"account"`
	ReplacedBy    string `json:"replacedBy"`
	Redistributed int    `json:"redistributed"`
}

// PlayerDisconnectedPayload captures the reason a player left.
type PlayerDisconnectedPayload struct {
	Reason        string `json:"reason"`
	Redistributed int    `json:"redistributed"`
}

// PlayerExitedPayload captures the score a player escaped with.
type PlayerExitedPayload struct {
	Account string  `json:"account"`
	Score   float64 `json:"score"`
	Length  int     `json:"length"`
}

// PlayerEliminatedPayload captures the cause and the value returned to the world.
type PlayerEliminatedPayload struct {
	Account       string  `json:"account"`
	Cause         string  `json:"cause"`
	Score         float64 `json:"score"`
	Length        int     `json:"length"`
	Redistributed int     `json:"redistributed"`
}

// PlayerJoined publishes a player join event.
func PlayerJoined(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload PlayerJoinedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventPlayerJoined,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// PlayerEvicted publishes an eviction event.
func PlayerEvicted(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload PlayerEvictedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventPlayerEvicted,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// PlayerDisconnected publishes a player disconnect event.
func PlayerDisconnected(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload PlayerDisconnectedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventPlayerDisconnected,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// PlayerExited publishes an escape event.
func PlayerExited(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload PlayerExitedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventPlayerExited,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// PlayerEliminated publishes a death event.
func PlayerEliminated(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload PlayerEliminatedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventPlayerEliminated,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}
