package frame

import (
	"context"
	"errors"
	"math"
	"sync"
)

// ErrBudgetExceeded is the fault raised when a run outgrows its arena or
// outlives its deadline.
var ErrBudgetExceeded = errors.New("budget_exceeded")

// cellCost approximates the bytes held per derived cell (a string header).
const cellCost = 16

// Arena accounts for the cells a single run allocates through frame
// operations. A nil Arena imposes no limit.
type Arena struct {
	ctx      context.Context
	limit    int64
	mu       sync.Mutex
	used     int64
	exceeded error
}

// NewArena returns an arena limited to limitBytes. A limit <= 0 disables the
// size check but still honours ctx.
func NewArena(ctx context.Context, limitBytes int64) *Arena {
	return &Arena{ctx: ctx, limit: limitBytes}
}

// Used returns the bytes charged so far.
func (a *Arena) Used() int64 {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

// Exceeded returns the recorded budget fault, if any.
func (a *Arena) Exceeded() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.exceeded
}

func (a *Arena) fail(err error) {
	a.mu.Lock()
	if a.exceeded == nil {
		a.exceeded = err
	}
	a.mu.Unlock()
	panic(err)
}

// check aborts the run when its context is done.
func (a *Arena) check() {
	if a == nil || a.ctx == nil {
		return
	}
	if a.ctx.Err() != nil {
		a.fail(ErrBudgetExceeded)
	}
}

// charge records n new cells and aborts the run once the limit is crossed.
// The fault is recorded before panicking so callers can classify it even if
// the panic is swallowed by generated code.
func (a *Arena) charge(n int) {
	a.ChargeBytes(int64(n) * cellCost)
}

// ChargeBytes records n raw bytes against the limit, with the same abort
// semantics as cell charges.
func (a *Arena) ChargeBytes(n int64) {
	if a == nil || n < 0 {
		return
	}
	a.check()
	a.mu.Lock()
	if a.used > math.MaxInt64-n {
		a.used = math.MaxInt64
	} else {
		a.used += n
	}
	over := a.limit > 0 && a.used > a.limit
	a.mu.Unlock()
	if over {
		a.fail(ErrBudgetExceeded)
	}
}
