package core

import "sync/atomic"

// RunFlags is the connection's run-state bitset. Mutation happens only
// under connLock, except the reader goroutine's own private reads of
// bits it alone sets.
type RunFlags uint32

const (
	// FlagRun marks the connection as not yet torn down; clearing it
	// is the signal that stops the reader loop on its next iteration.
	FlagRun RunFlags = 1 << iota
	// FlagIsConnected reflects handshake success; send_packet checks
	// this outside the lock, so it also has an atomic mirror below.
	FlagIsConnected
	// FlagLocalHandshakeRequested is level-triggered: at most one
	// outstanding local rekey request at a time.
	FlagLocalHandshakeRequested
	// FlagIsBlocking is set for the duration of any handshake or
	// partial rekey; the reader must not deliver user packets to the
	// consumer while it is set.
	FlagIsBlocking
	// FlagDontThrowOnAborted controls whether a reader-loop abort
	// during shutdown is swallowed or re-raised.
	FlagDontThrowOnAborted
	// FlagDisconnectReceived is a dedicated bit, deliberately distinct
	// from IsBlocking|DontThrowOnAborted so the two states can't be
	// confused with each other.
	FlagDisconnectReceived
)

// Set returns flags with bit set.
func (f RunFlags) Set(bit RunFlags) RunFlags { return f | bit }

// Clear returns flags with bit cleared.
func (f RunFlags) Clear(bit RunFlags) RunFlags { return f &^ bit }

// Has reports whether bit is set.
func (f RunFlags) Has(bit RunFlags) bool { return f&bit != 0 }

// ConfigFlags is the user-settable configuration bitset. Mutated only
// under connLock because changing ManualRead triggers queue migration.
type ConfigFlags uint32

const (
	// FlagPassOn causes internally-handled control packets to also be
	// surfaced to the consumer's delivery path.
	FlagPassOn ConfigFlags = 1 << iota
	// FlagManualRead switches delivery from callback-push to
	// queue-pull (ReadPacket).
	FlagManualRead
)

func (f ConfigFlags) Set(bit ConfigFlags) ConfigFlags   { return f | bit }
func (f ConfigFlags) Clear(bit ConfigFlags) ConfigFlags { return f &^ bit }
func (f ConfigFlags) Has(bit ConfigFlags) bool          { return f&bit != 0 }

// connectedFlag is a lock-free mirror of FlagIsConnected so SendPacket
// can reject fast without acquiring connLock on every call.
type connectedFlag struct {
	v atomic.Bool
}

func (c *connectedFlag) set(b bool) { c.v.Store(b) }
func (c *connectedFlag) get() bool  { return c.v.Load() }
