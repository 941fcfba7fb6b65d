// Package async implements the bounded-concurrency executor fabric
// (spec.md §4.C2): a fixed-size worker pool consuming a FIFO of
// OperationStates, running up to maxConcurrentTasks in parallel while the
// rest buffer in memory.
package async

import (
	"sync"
	"sync/atomic"

	"github.com/ground-x/blmsg/block"
	"github.com/ground-x/blmsg/ids"
)

// OperationID enumerates the backend operations an OperationState can
// describe (spec.md §3).
type OperationID int

const (
	OpAlloc OperationID = iota
	OpSecureAlloc
	OpSecureDiscard
	OpAuthenticateClient
	OpGetServerState
	OpGet
	OpPut
	OpCommand
	OpRemove
)

// CommandID enumerates the sub-commands an OpCommand operation can carry.
type CommandID int

const (
	CmdNone CommandID = iota
	CmdRemove
	CmdFlushPeerSessions
)

// OperationState is a reusable record describing one backend operation.
// Instances are obtained from a Pool, filled in by the protocol layer,
// executed (or turned into a dispatch task) by the backend, then returned
// to the pool with mutable fields cleared.
type OperationState struct {
	OperationID   OperationID
	CommandID     CommandID
	SessionID     ids.ID
	ChunkID       ids.ID
	SourcePeerID  ids.ID
	TargetPeerID  ids.ID
	Data          *block.DataBlock
	cancelled     int32 // 0/1, set via atomic (go1.16-era code predates atomic.Bool)
	holder        interface{} // back-pointer broken on release to avoid cycles
}

// RequestCancel cooperatively signals the operation to stop at its next
// checkpoint.
func (op *OperationState) RequestCancel() { atomic.StoreInt32(&op.cancelled, 1) }

// Cancelled reports whether RequestCancel has been called.
func (op *OperationState) Cancelled() bool { return atomic.LoadInt32(&op.cancelled) == 1 }

// SetHolder attaches an opaque back-reference (e.g. the session that owns
// this operation) for the duration of execution.
func (op *OperationState) SetHolder(h interface{}) { op.holder = h }

// Holder returns the attached back-reference, if any.
func (op *OperationState) Holder() interface{} { return op.holder }

// reset clears mutable fields and breaks the holder back-pointer, per
// spec.md §3's OperationState lifecycle, before the state returns to its
// pool.
func (op *OperationState) reset() {
	*op = OperationState{}
}

// StatePool is a typed object pool of *OperationState, mirroring
// block.Pool's mutex-guarded LIFO shape.
type StatePool struct {
	mu    sync.Mutex
	items []*OperationState
}

// NewStatePool returns an empty pool; Get allocates fresh states on demand.
func NewStatePool() *StatePool {
	return &StatePool{}
}

// Get returns a cleared OperationState, reusing a pooled instance if one is
// available.
func (p *StatePool) Get() *OperationState {
	p.mu.Lock()
	n := len(p.items)
	if n == 0 {
		p.mu.Unlock()
		return &OperationState{}
	}
	op := p.items[n-1]
	p.items = p.items[:n-1]
	p.mu.Unlock()
	return op
}

// Put resets op and returns it to the pool.
func (p *StatePool) Put(op *OperationState) {
	op.reset()
	p.mu.Lock()
	p.items = append(p.items, op)
	p.mu.Unlock()
}
