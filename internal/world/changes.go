package world

import "stake-arena/server/internal/distribute"

// ChangeKind identifies the type of particle diff entry.
type ChangeKind string

const (
	ChangeParticleSpawned ChangeKind = "particle_spawned"
	ChangeParticleRemoved ChangeKind = "particle_removed"
)

// Changes is the particle diff accumulated since the last drain. Clients
// apply it on top of their last full game state.
type Changes struct {
	Spawned []distribute.Particle `json:"spawned,omitempty"`
	Removed []string              `json:"removed,omitempty"`
}

// Empty reports whether there is anything to send.
func (c Changes) Empty() bool {
	return len(c.Spawned) == 0 && len(c.Removed) == 0
}

type changeJournal struct {
	spawned []distribute.Particle
	removed []string
	// consumed remembers particle ids removed since the last drain so a second
	// pickup in the same window is reported as a double consumption.
	consumed map[string]struct{}
}

func (j *changeJournal) spawn(particles []distribute.Particle) {
	j.spawned = append(j.spawned, particles...)
}

func (j *changeJournal) remove(id string) {
	j.removed = append(j.removed, id)
	if j.consumed == nil {
		j.consumed = make(map[string]struct{})
	}
	j.consumed[id] = struct{}{}
}

func (j *changeJournal) recentlyConsumed(id string) bool {
	_, ok := j.consumed[id]
	return ok
}

func (j *changeJournal) drain() Changes {
	out := Changes{Spawned: j.spawned, Removed: j.removed}
	j.spawned = nil
	j.removed = nil
	j.consumed = nil
	return out
}
