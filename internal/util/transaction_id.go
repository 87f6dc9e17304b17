package util

import (
	"sync/atomic"
)

// TransactionIDGenerator is a lock-free monotonic id source.
type TransactionIDGenerator struct {
	last atomic.Int64
}

func NewTransactionIDGenerator(start int64) *TransactionIDGenerator {
	g := &TransactionIDGenerator{}
	g.last.Store(start)
	return g
}

func (g *TransactionIDGenerator) NextID() int64 {
	return g.last.Add(1)
}

func (g *TransactionIDGenerator) Observe(id int64) {
	for {
		last := g.last.Load()
		if id <= last {
			return
		}
		if g.last.CompareAndSwap(last, id) {
			return
		}
	}
}
