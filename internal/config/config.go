// Package config holds the process-wide tunables for the swarm-replication
// engine. It is deliberately small and flat: every subsystem reads from
// the same atomically-swapped snapshot rather than threading dozens of
// parameters through constructors.
package config

import "time"

// Config collects every explicit tunable the engine exposes.
type Config struct {
	// ========== Chunker ==========

	// PieceSize is the fixed byte size of a piece, chosen so one piece fits
	// within the transport's per-frame limit.
	PieceSize int

	// ========== Swarm Manager ==========

	// PipelineBudgetK caps in-flight requests to a single peer.
	PipelineBudgetK int

	// RequestTimeout is the age after which an in-flight request is
	// released back to the pool for re-request.
	RequestTimeout time.Duration

	// ========== Transport ==========

	// PeerCap bounds concurrent peer connections per participant.
	PeerCap int

	// DisconnectGrace is how long a transient `disconnected` transport state
	// is masked from the coordinator before `peerDisconnected` fires.
	DisconnectGrace time.Duration

	// ICERestartGrace is how long an ICE restart attempt is given before the
	// peer is declared dead.
	ICERestartGrace time.Duration

	// ========== Tracker ==========

	// TrackerStaleThreshold is the age past which a membership record is
	// swept even without an explicit leave.
	TrackerStaleThreshold time.Duration

	// TrackerSweepPeriod is how often the stale sweep runs.
	TrackerSweepPeriod time.Duration

	// TrackerReconnectDelay is the fixed delay before a dropped tracker
	// connection is retried.
	TrackerReconnectDelay time.Duration
}

// Default returns the baseline tunable values used across the engine.
func Default() Config {
	return Config{
		PieceSize:             15 * 1024,
		PipelineBudgetK:       5,
		RequestTimeout:        30 * time.Second,
		PeerCap:               50,
		DisconnectGrace:       10 * time.Second,
		ICERestartGrace:       5 * time.Second,
		TrackerStaleThreshold: 3 * time.Minute,
		TrackerSweepPeriod:    1 * time.Minute,
		TrackerReconnectDelay: 3 * time.Second,
	}
}
