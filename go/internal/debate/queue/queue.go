// Package queue holds the ordered set of speakers waiting for a turn.
package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicate is returned when a peer is already queued.
	ErrDuplicate = errors.New("peer already queued")
	// ErrNotQueued is returned when removing a peer that is not queued.
	ErrNotQueued = errors.New("peer not queued")
	// ErrOutOfRange is returned for reorder indexes outside the queue.
	ErrOutOfRange = errors.New("index out of range")
)

// TurnQueue is an ordered list of peer ids without duplicates.
// It is not safe for concurrent use; the scheduler serializes access.
type TurnQueue struct {
	order []string
}

// New returns a queue holding ids in order, duplicates dropped.
func New(ids ...string) *TurnQueue {
	q := &TurnQueue{}
	q.Replace(ids)
	return q
}

// Len returns the number of queued peers.
func (q *TurnQueue) Len() int {
	return len(q.order)
}

// Order returns a copy of the queue contents, head first.
func (q *TurnQueue) Order() []string {
	out := make([]string, len(q.order))
	copy(out, q.order)
	return out
}

// Contains reports whether id is queued.
func (q *TurnQueue) Contains(id string) bool {
	return q.indexOf(id) >= 0
}

// Head returns the first queued id.
func (q *TurnQueue) Head() (string, bool) {
	if len(q.order) == 0 {
		return "", false
	}
	return q.order[0], true
}

// Enqueue appends id to the tail.
func (q *TurnQueue) Enqueue(id string) error {
	if q.Contains(id) {
		return fmt.Errorf("enqueue %s: %w", id, ErrDuplicate)
	}
	q.order = append(q.order, id)
	return nil
}

// Remove deletes id from the queue.
func (q *TurnQueue) Remove(id string) error {
	idx := q.indexOf(id)
	if idx < 0 {
		return fmt.Errorf("remove %s: %w", id, ErrNotQueued)
	}
	q.order = append(q.order[:idx], q.order[idx+1:]...)
	return nil
}

// Pop removes and returns the head.
func (q *TurnQueue) Pop() (string, bool) {
	id, ok := q.Head()
	if !ok {
		return "", false
	}
	q.order = q.order[1:]
	return id, true
}

// Reorder moves the element at from to position to, shifting the others.
// [A B C] Reorder(0, 2) gives [B C A].
func (q *TurnQueue) Reorder(from, to int) error {
	n := len(q.order)
	if from < 0 || from >= n || to < 0 || to >= n {
		return fmt.Errorf("reorder %d->%d on %d entries: %w", from, to, n, ErrOutOfRange)
	}
	if from == to {
		return nil
	}
	id := q.order[from]
	rest := append(q.order[:from:from], q.order[from+1:]...)
	out := make([]string, 0, n)
	out = append(out, rest[:to]...)
	out = append(out, id)
	out = append(out, rest[to:]...)
	q.order = out
	return nil
}

// Replace swaps the whole contents for order, dropping duplicates and empty ids.
// Used to apply received snapshots.
func (q *TurnQueue) Replace(order []string) {
	seen := make(map[string]struct{}, len(order))
	out := make([]string, 0, len(order))
	for _, id := range order {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	q.order = out
}

// Retain keeps only the ids for which keep returns true and reports whether anything was dropped.
func (q *TurnQueue) Retain(keep func(id string) bool) bool {
	out := q.order[:0]
	for _, id := range q.order {
		if keep(id) {
			out = append(out, id)
		}
	}
	changed := len(out) != len(q.order)
	q.order = out
	return changed
}

// Clear empties the queue.
func (q *TurnQueue) Clear() {
	q.order = nil
}

// Equal reports whether the queue holds exactly order.
func (q *TurnQueue) Equal(order []string) bool {
	if len(order) != len(q.order) {
		return false
	}
	for i := range order {
		if order[i] != q.order[i] {
			return false
		}
	}
	return true
}

func (q *TurnQueue) indexOf(id string) int {
	for i, v := range q.order {
		if v == id {
			return i
		}
	}
	return -1
}
