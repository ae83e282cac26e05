package sim

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"stake-arena/server/internal/collision"
	"stake-arena/server/internal/world"
	loggingsimulation "stake-arena/server/logging/simulation"
)

const (
	causeCollision = "collision"
	causeReported  = "reported"
)

var errMissingPayload = errors.New("sim: command payload missing")

func (l *Loop) apply(ctx context.Context, cmd Command, events []Event) []Event {
	conn := cmd.ActorID
	switch cmd.Type {
	case CommandJoin:
		if cmd.Join == nil {
			return append(events, rejected(cmd, errMissingPayload))
		}
		result, err := l.world.Join(ctx, world.JoinRequest{
			Conn:    conn,
			Name:    cmd.Join.Name,
			Account: cmd.Join.Account,
			GameID:  cmd.Join.GameID,
			Stake:   cmd.Join.Stake,
			Resume:  cmd.Join.Resume,
		})
		if err != nil {
			return append(events, rejected(cmd, err))
		}
		if evicted := result.Evicted; evicted != nil {
			l.persist(evicted.Checkpoint)
			events = append(events, Event{Kind: EventEvicted, Conn: evicted.Conn, Eviction: evicted})
		}
		snapshot := l.world.Snapshot()
		return append(events, Event{Kind: EventJoined, Conn: conn, Join: &result, Snapshot: &snapshot})

	case CommandMove:
		if cmd.Move == nil {
			return append(events, rejected(cmd, errMissingPayload))
		}
		if err := l.world.Move(conn, cmd.Move.X, cmd.Move.Y, cmd.Move.Angle); err != nil {
			return append(events, rejected(cmd, err))
		}
		return events

	case CommandConsume:
		if cmd.Consume == nil {
			return append(events, rejected(cmd, errMissingPayload))
		}
		result, ok := l.world.Consume(ctx, conn, cmd.Consume.ParticleID)
		if !ok {
			return events
		}
		return append(events, Event{Kind: EventConsumed, Conn: conn, Consume: &result})

	case CommandExit:
		snap, err := l.world.Exit(ctx, conn)
		if err != nil {
			return append(events, Event{Kind: EventExitRefused, Conn: conn, Command: cmd.Type, Err: err})
		}
		l.dispatch(ctx, snap)
		return append(events, Event{Kind: EventExited, Conn: conn, Terminal: &snap})

	case CommandDied:
		snap, ok := l.world.Eliminate(ctx, conn, causeReported)
		if !ok {
			return events
		}
		l.dispatch(ctx, snap)
		return append(events, Event{Kind: EventEliminated, Conn: conn, Terminal: &snap})

	case CommandDisconnect:
		reason := ""
		if cmd.Disconnect != nil {
			reason = cmd.Disconnect.Reason
		}
		checkpoint, ok := l.world.Disconnect(ctx, conn, reason)
		if !ok {
			return events
		}
		l.persist(checkpoint)
		return append(events, Event{Kind: EventLeft, Conn: conn})

	default:
		return append(events, rejected(cmd, fmt.Errorf("%w: unknown command %q", world.ErrInvalidInput, cmd.Type)))
	}
}

// detect runs one collision pass and eliminates every loser. The detector
// reports each victim once per pass.
func (l *Loop) detect(ctx context.Context, events []Event) []Event {
	bodies := l.world.Bodies()
	if len(bodies) < 2 {
		return events
	}
	start := time.Now()
	result := collision.Detect(bodies, l.config.Collision)
	l.totals.elapsed += time.Since(start)
	l.totals.passes++
	l.totals.pairs += uint64(result.Stats.PairsTested)
	l.totals.hits += uint64(len(result.Kills))
	l.totals.players = result.Stats.Players
	l.totals.cells = result.Stats.Cells

	for _, kill := range result.Kills {
		snap, ok := l.world.Eliminate(ctx, kill.Victim, causeCollision)
		if !ok {
			continue
		}
		l.add(metricEliminations, 1)
		l.dispatch(ctx, snap)
		events = append(events, Event{Kind: EventEliminated, Conn: kill.Victim, Terminal: &snap, Killer: kill.Killer})
	}
	return events
}

func (l *Loop) reportCollisionStats(ctx context.Context) {
	totals := l.totals
	l.totals = collisionTotals{}
	if totals.passes == 0 {
		return
	}
	loggingsimulation.CollisionStats(ctx, l.publisher, l.tick, loggingsimulation.CollisionStatsPayload{
		Passes:     totals.passes,
		Players:    totals.players,
		Cells:      totals.cells,
		PairsTried: totals.pairs,
		Hits:       totals.hits,
		AvgMicros:  totals.elapsed.Microseconds() / int64(totals.passes),
	})
}

func rejected(cmd Command, err error) Event {
	return Event{Kind: EventRejected, Conn: cmd.ActorID, Command: cmd.Type, Err: err}
}

func snapshotGameID(snap world.TerminalSnapshot) string {
	return strconv.FormatInt(snap.GameID, 10)
}
