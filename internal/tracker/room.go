package tracker

import (
	"sort"
	"sync"
	"time"
)

// membership is the tracker-side per-participant record inside a room.
// Lifecycle: inserted on announce, refreshed on every announce, removed
// on leave / transport close / stale sweep.
type membership struct {
	participantID string
	complete      bool
	lastSeen      time.Time
}

// room holds one content id's membership table. Each room guards its own
// map with its own mutex rather than sharing one lock across every room.
type room struct {
	contentID string

	mu      sync.RWMutex
	members map[string]*membership
}

func newRoom(contentID string) *room {
	return &room{contentID: contentID, members: make(map[string]*membership)}
}

// upsert inserts or refreshes a participant's membership, returning the
// snapshot-at-insert-time "joined" flag (false if this was a refresh of an
// existing member: a repeated announce is idempotent, not a duplicate join).
func (r *room) upsert(participantID string, complete bool, now time.Time) (joined bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, exists := r.members[participantID]
	if !exists {
		r.members[participantID] = &membership{
			participantID: participantID,
			complete:      complete,
			lastSeen:      now,
		}
		return true
	}

	m.complete = complete
	m.lastSeen = now
	return false
}

func (r *room) remove(participantID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[participantID]; !ok {
		return false
	}
	delete(r.members, participantID)
	return true
}

// snapshot returns every member except exclude (typically the caller
// itself), ordered by participant id for deterministic tests.
func (r *room) snapshot(exclude string) []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]Peer, 0, len(r.members))
	for id, m := range r.members {
		if id == exclude {
			continue
		}
		peers = append(peers, Peer{ID: id, Complete: m.complete, LastSeen: m.lastSeen})
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}

func (r *room) isEmpty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members) == 0
}

// sweepStale removes every member whose lastSeen predates the cutoff and
// returns their ids, so the caller can broadcast peer-left-swarm for each.
func (r *room) sweepStale(cutoff time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []string
	for id, m := range r.members {
		if m.lastSeen.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		delete(r.members, id)
	}
	return stale
}

// Peer is the tracker's public view of one room member.
type Peer struct {
	ID       string
	Complete bool
	LastSeen time.Time
}
