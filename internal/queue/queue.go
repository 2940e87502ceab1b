// Package queue implements the bounded, per-destination outbound command
// ring: a FIFO of QueuedCommand entries with per-entry retry count,
// timestamp and acknowledgment state, guarded by a single serializing
// gate so the enqueuing context and the draining context never race on
// the ring.
package queue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"triboy/internal/frame"
)

// Default sizing and policy constants.
const (
	DefaultCapacity = 128
	// MaxPayloadBytes mirrors frame.MaxPayload: a payload frame.Encode would
	// reject must be rejected here too, at enqueue time, rather than
	// accepted and left to fail every DrainOne attempt until the entry
	// exhausts its retries and times out.
	MaxPayloadBytes = frame.MaxPayload
	CommandTimeout  = 50 * time.Millisecond
	MaxRetries      = 3
)

// ErrFull is returned by Enqueue when the ring has no free slot.
var ErrFull = errors.New("queue: full")

// ErrPayloadTooLarge is returned by Enqueue when payload exceeds MaxPayloadBytes.
var ErrPayloadTooLarge = fmt.Errorf("queue: payload exceeds %d bytes", MaxPayloadBytes)

// QueuedCommand is one outbound command held in a master-side queue.
type QueuedCommand struct {
	Opcode      uint8
	Payload     []byte
	RequiresAck bool

	EnqueuedAt time.Time
	RetryCount int
	Completed  bool
	sent       bool // has DrainOne handed this entry to the link at least once

	// CompletedWithError is set when the entry was retired without a
	// matching ACK (timeout exhaustion or an ERROR response), as opposed
	// to completing normally.
	CompletedWithError bool
	ErrorKind          uint8

	// reported tracks whether a timeout retirement has already been
	// handed to the caller via DrainTimedOut, so it is surfaced exactly
	// once.
	reported bool
}

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Queue is a bounded ring of QueuedCommand. Producers enqueue through
// the gate; one service context drains, completes and reaps.
type Queue struct {
	mu       sync.Mutex
	entries  []*QueuedCommand
	head     int // index of oldest entry
	count    int
	capacity int
	now      Clock
}

// New creates a Queue with the given capacity (128 by default, 256 on
// larger-RAM variants). A nil clock defaults to time.Now.
func New(capacity int, clock Clock) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if clock == nil {
		clock = time.Now
	}
	return &Queue{
		entries:  make([]*QueuedCommand, capacity),
		capacity: capacity,
		now:      clock,
	}
}

// Len returns the number of live (not yet reaped) entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Enqueue appends a new command to the tail of the ring. It fails
// without mutating the ring if the ring is full or the payload is
// oversized. An entry whose RequiresAck is false completes at send time,
// when DrainOne hands it to the link — never at enqueue time, so an
// unsent entry can never be reaped out from under the drain path.
func (q *Queue) Enqueue(opcode uint8, payload []byte, requiresAck bool) (*QueuedCommand, error) {
	if len(payload) > MaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count >= q.capacity {
		return nil, ErrFull
	}

	entry := &QueuedCommand{
		Opcode:      opcode,
		Payload:     payload,
		RequiresAck: requiresAck,
		EnqueuedAt:  q.now(),
	}

	idx := (q.head + q.count) % q.capacity
	q.entries[idx] = entry
	q.count++
	return entry, nil
}

// EnqueueFront inserts a command at the head of the ring, ahead of every
// other entry. Used for clock-sync beacons and for fault-manager priority
// insertions such as the memory-exhausted cleanup command.
func (q *Queue) EnqueueFront(opcode uint8, payload []byte, requiresAck bool) (*QueuedCommand, error) {
	if len(payload) > MaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count >= q.capacity {
		return nil, ErrFull
	}

	entry := &QueuedCommand{
		Opcode:      opcode,
		Payload:     payload,
		RequiresAck: requiresAck,
		EnqueuedAt:  q.now(),
	}

	q.head = (q.head - 1 + q.capacity) % q.capacity
	q.entries[q.head] = entry
	q.count++
	return entry, nil
}

// PendingSend is the decision DrainOne hands back to the link driver: the
// bytes to transmit and whether this was a fresh send or a retry resend.
type PendingSend struct {
	Entry   *QueuedCommand
	Wire    []byte
	IsRetry bool
}

// retryEligible reports whether entry has timed out waiting for an ACK
// and should be resent.
func (q *Queue) retryEligible(e *QueuedCommand) bool {
	return e.RequiresAck && !e.Completed && q.now().Sub(e.EnqueuedAt) >= CommandTimeout
}

// DrainOne inspects the head of the queue and, if it is eligible to be
// (re)sent, encodes it and returns the bytes for the link driver. It does
// not by itself advance the head; reaping completed entries is Reap's
// job. The ordering guarantee is FIFO with one exception: a completed
// entry ahead of an in-flight one may be reaped, but an in-flight entry
// is never overtaken by one behind it.
//
// encode is supplied by the caller (the master routes it through a reused
// frame.EncodeInto scratch buffer; tests pass frame.Encode), so the caller
// decides where the wire bytes are written while the wire format stays
// defined in one place, package frame.
func (q *Queue) DrainOne(encode func(opcode uint8, payload []byte) ([]byte, error)) (*PendingSend, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := 0; i < q.count; i++ {
		idx := (q.head + i) % q.capacity
		e := q.entries[idx]
		if e.Completed {
			continue
		}

		if !e.RequiresAck {
			// Fire-and-forget entry: completed at send time, the moment
			// it is handed to the link and not before, so Reap can never
			// drop an entry the link has not seen.
			e.sent = true
			e.Completed = true
			wire, err := encode(e.Opcode, e.Payload)
			if err != nil {
				return nil, err
			}
			return &PendingSend{Entry: e, Wire: wire, IsRetry: false}, nil
		}

		firstSend := !e.sent
		needsRetry := q.retryEligible(e)

		if !firstSend && !needsRetry {
			// Already sent once and not yet due for retry: nothing to do
			// for this entry, and since ordering forbids overtaking it,
			// nothing behind it either.
			return nil, nil
		}

		isRetry := false
		if needsRetry {
			if e.RetryCount >= MaxRetries {
				e.CompletedWithError = true
				e.Completed = true
				e.ErrorKind = ErrorKindTimeout
				continue
			}
			e.RetryCount++
			e.EnqueuedAt = q.now()
			isRetry = true
		}

		e.sent = true
		wire, err := encode(e.Opcode, e.Payload)
		if err != nil {
			return nil, err
		}
		return &PendingSend{Entry: e, Wire: wire, IsRetry: isRetry}, nil
	}
	return nil, nil
}

// DrainTimedOut returns entries retired by retry-budget exhaustion since
// the last call, marking them reported so each is surfaced exactly once.
// Callers (master.Node) use this to report a fault and increment the
// link's failure counter, without the queue itself knowing anything about
// the fault manager or router.
func (q *Queue) DrainTimedOut() []*QueuedCommand {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*QueuedCommand
	for i := 0; i < q.count; i++ {
		idx := (q.head + i) % q.capacity
		e := q.entries[idx]
		if e.CompletedWithError && e.ErrorKind == ErrorKindTimeout && !e.reported {
			e.reported = true
			out = append(out, e)
		}
	}
	return out
}

// ErrorKindTimeout mirrors faults.KindTimeout's value. The master never
// sends it over the wire, so it is declared locally to avoid an import of
// the faults package here.
const ErrorKindTimeout = 0x01

// Complete scans from the head for the oldest not-completed entry with a
// matching opcode and RequiresAck=true, and marks it completed. It
// reports whether a match was found; a false return (duplicate or stray
// ACK) should be logged and discarded by the caller.
func (q *Queue) Complete(opcode uint8) bool {
	_, ok := q.CompleteEntry(opcode)
	return ok
}

// CompleteEntry is Complete's counterpart for callers that need the
// matched entry itself, e.g. to measure round-trip time from
// entry.EnqueuedAt.
func (q *Queue) CompleteEntry(opcode uint8) (*QueuedCommand, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := 0; i < q.count; i++ {
		idx := (q.head + i) % q.capacity
		e := q.entries[idx]
		if !e.Completed && e.RequiresAck && e.Opcode == opcode {
			e.Completed = true
			return e, true
		}
	}
	return nil, false
}

// Now returns the queue's injected clock, so callers computing a duration
// against EnqueuedAt (itself stamped with the same clock) stay consistent
// under a fake clock in tests.
func (q *Queue) Now() time.Time {
	return q.now()
}

// CompleteWithError retires the oldest not-completed entry matching opcode
// immediately, recording an error kind, without going through the retry
// policy. Used for unrecoverable ERROR responses. Only acked entries can
// match: a fire-and-forget entry awaiting its send must not be retired by
// an ERROR that answers some earlier command with the same opcode.
func (q *Queue) CompleteWithError(opcode uint8, kind uint8) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := 0; i < q.count; i++ {
		idx := (q.head + i) % q.capacity
		e := q.entries[idx]
		if !e.Completed && e.RequiresAck && e.Opcode == opcode {
			e.Completed = true
			e.CompletedWithError = true
			e.ErrorKind = kind
			return true
		}
	}
	return false
}

// Reap removes leading completed entries, advancing the head. It never
// removes an incomplete entry even if entries behind it are complete.
func (q *Queue) Reap() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	reaped := 0
	for q.count > 0 && q.entries[q.head].Completed {
		q.entries[q.head] = nil
		q.head = (q.head + 1) % q.capacity
		q.count--
		reaped++
	}
	return reaped
}

// Snapshot returns a copy of the live entries in FIFO order, for
// diagnostics and tests.
func (q *Queue) Snapshot() []*QueuedCommand {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*QueuedCommand, q.count)
	for i := 0; i < q.count; i++ {
		out[i] = q.entries[(q.head+i)%q.capacity]
	}
	return out
}
