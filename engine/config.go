package engine

import (
	"math/rand"
	"time"

	"github.com/fiatjaf/immortan/engine/route"
)

// Config holds every tunable named in the component design, mirroring the
// teacher's routing.Config: a single struct threaded through the master and
// its senders rather than bare constants scattered through the package.
type Config struct {
	// SelfNodeID identifies this node, used to describe the "from" side
	// of our own first-hop channels to the path-finder and the ledger.
	SelfNodeID route.Vertex

	// MaxStrangeNodeFailures is the node-failure-counter threshold past
	// which a node is excluded from future route requests (ignoreNodes).
	// Also used, multiplied by 32, as the penalty applied for an invalid
	// channel_update signature, and applied as-is for Node-kind failures.
	MaxStrangeNodeFailures int

	// MaxDirectionFailures is the per-direction failure-counter threshold
	// past which a directed edge is excluded from future route requests.
	MaxDirectionFailures int

	// MaxRemoteAttempts bounds how many times resolveRemoteFail will
	// switch a part to a new channel before giving up and either
	// splitting or failing it.
	MaxRemoteAttempts int

	// MaxInChannelHtlcs bounds, per allowed channel, how many concurrent
	// parts outgoingHtlcSlotsLeft will allow before refusing further
	// splits.
	MaxInChannelHtlcs int

	// FailedChanRecoveryMsec is the time constant of the failure
	// ledger's linear restoration of chanFailedAtAmount entries.
	FailedChanRecoveryMsec int64

	// AbortTimeout is how long a sender will wait, after the most recent
	// assignToChans call, for every WaitForChanOnline part to come
	// online before failing the payment with TIMED_OUT.
	AbortTimeout time.Duration

	// Rand drives the channel shuffling in assignToChans and is injected
	// so tests can make it deterministic; DefaultConfig seeds it from the
	// current time. Session keys do not use it.
	Rand *rand.Rand

	// Clock returns the current time; overridden in tests so restoration
	// math is deterministic. The abort timer runs on wall-clock time.
	Clock func() time.Time
}

// DefaultConfig returns the tunables used absent an explicit override,
// chosen to mirror the magnitudes implied by the component design (a
// handful of strikes before a node/direction is distrusted, a few minutes
// before a failed channel is assumed recovered).
func DefaultConfig() Config {
	return Config{
		MaxStrangeNodeFailures: 5,
		MaxDirectionFailures:   5,
		MaxRemoteAttempts:      3,
		MaxInChannelHtlcs:      5,
		FailedChanRecoveryMsec: int64(5 * time.Minute / time.Millisecond),
		AbortTimeout:           30 * time.Second,
		Rand:                   rand.New(rand.NewSource(time.Now().UnixNano())),
		Clock:                  time.Now,
	}
}

func (c Config) nowMsec() int64 {
	return c.Clock().UnixNano() / int64(time.Millisecond)
}
