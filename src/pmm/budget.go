package pmm

import "sync/atomic"

// Budget is an optional, atomically-enforced ceiling on total bytes this
// PMM will hand out. The take-then-roll-back-on-overdraw shape is adapted
// from the teacher's Syslimit_t/Sysatomic_t resource-limit counters
// (limits.go's Given/Taken), repurposed here from process/vnode/socket
// counts to a single memory byte quota, since the rest of that type's
// fields (Sysprocs, Vnodes, Arpents, ...) name subsystems outside this
// module's scope.
type Budget struct {
	remaining atomic.Int64
}

// NewBudget returns a Budget starting at total bytes.
func NewBudget(total int64) *Budget {
	b := &Budget{}
	b.remaining.Store(total)
	return b
}

// Take attempts to withdraw n bytes, reporting whether the budget had room.
// On failure the budget is left unchanged.
func (b *Budget) Take(n int64) bool {
	if g := b.remaining.Add(-n); g >= 0 {
		return true
	}
	b.remaining.Add(n)
	return false
}

// Give returns n bytes to the budget, e.g. after a free.
func (b *Budget) Give(n int64) {
	b.remaining.Add(n)
}

// Remaining reports the budget's current balance.
func (b *Budget) Remaining() int64 {
	return b.remaining.Load()
}
