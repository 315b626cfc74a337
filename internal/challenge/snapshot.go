package challenge

import "time"

// StateSnapshot is an immutable copy of a challenge state at a version.
type StateSnapshot struct {
	State   *ChallengeState
	Version uint64
	TakenAt time.Time
}

// snapshotRing keeps a bounded history of snapshots, oldest evicted first.
type snapshotRing struct {
	snaps []StateSnapshot
	cap   int
}

func newSnapshotRing(capacity int) *snapshotRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &snapshotRing{cap: capacity}
}

func (r *snapshotRing) push(s StateSnapshot) {
	if len(r.snaps) >= r.cap {
		r.snaps = r.snaps[1:]
	}
	r.snaps = append(r.snaps, s)
}

func (r *snapshotRing) latest() (StateSnapshot, bool) {
	if len(r.snaps) == 0 {
		return StateSnapshot{}, false
	}
	return r.snaps[len(r.snaps)-1], true
}

// at returns the snapshot taken at exactly the given version.
func (r *snapshotRing) at(version uint64) (StateSnapshot, bool) {
	for i := len(r.snaps) - 1; i >= 0; i-- {
		if r.snaps[i].Version == version {
			return r.snaps[i], true
		}
	}
	return StateSnapshot{}, false
}

func (r *snapshotRing) len() int { return len(r.snaps) }
