package engine

import (
	"github.com/WendelHime/simplebt/internal/shared/models"
	"github.com/emirpasic/gods/sets/treeset"
)

// ledger tracks which pieces are still wanted and which are in flight.
// pending holds indices that are neither complete nor requested, in
// ascending order, so every Next pulls the lowest useful piece.
type ledger struct {
	numPieces int
	inFlight  models.Bitfield
	pending   *treeset.Set
}

func newLedger(have models.Bitfield, numPieces int) *ledger {
	l := &ledger{
		numPieces: numPieces,
		inFlight:  models.NewBitfield(numPieces),
		pending:   treeset.NewWithIntComparator(),
	}
	for i := 0; i < numPieces; i++ {
		if !have.Has(i) {
			l.pending.Add(i)
		}
	}
	return l
}

// Next takes the lowest pending index that remote advertises and marks it
// in flight.
func (l *ledger) Next(remote models.Bitfield) (int, bool) {
	it := l.pending.Iterator()
	for it.Next() {
		index := it.Value().(int)
		if remote.Has(index) {
			l.take(index)
			return index, true
		}
	}
	return 0, false
}

func (l *ledger) take(index int) {
	l.pending.Remove(index)
	l.inFlight.Set(index)
}

// Retry clears the in-flight bit of index and sets it again for a fresh
// request of the same piece.
func (l *ledger) Retry(index int) {
	l.Release(index)
	l.take(index)
}

// Release puts an in-flight index back into the pending set.
func (l *ledger) Release(index int) {
	if !l.inFlight.Has(index) {
		return
	}
	l.inFlight.Clear(index)
	l.pending.Add(index)
}

func (l *ledger) Complete(index int) {
	l.inFlight.Clear(index)
	l.pending.Remove(index)
}

func (l *ledger) InFlight(index int) bool {
	return l.inFlight.Has(index)
}

// Needs reports whether index is not yet complete locally.
func (l *ledger) Needs(index int) bool {
	return l.inFlight.Has(index) || l.pending.Contains(index)
}

// Wants reports whether remote has any piece we still need.
func (l *ledger) Wants(remote models.Bitfield) bool {
	for i := 0; i < l.numPieces; i++ {
		if remote.Has(i) && l.Needs(i) {
			return true
		}
	}
	return false
}

func (l *ledger) Pending() int {
	return l.pending.Size()
}
