package queue_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"triboy/internal/frame"
	"triboy/internal/queue"
)

func encode(opcode uint8, payload []byte) ([]byte, error) {
	return frame.Encode(opcode, payload)
}

func TestFireAndForgetCompletesAtSendTime(t *testing.T) {
	q := queue.New(4, nil)
	entry, err := q.Enqueue(0xF0, nil, false)
	require.NoError(t, err)
	require.False(t, entry.Completed)

	// An enqueued-but-unsent entry must survive a reap pass; only the
	// hand-off to the link completes it.
	require.Equal(t, 0, q.Reap())

	send, err := q.DrainOne(encode)
	require.NoError(t, err)
	require.NotNil(t, send)
	require.True(t, entry.Completed)
	require.False(t, send.IsRetry)

	require.Equal(t, 1, q.Reap())
	require.Equal(t, 0, q.Len())
}

func TestQueueFullReturnsErrorWithoutCorruption(t *testing.T) {
	q := queue.New(2, nil)
	_, err := q.Enqueue(0x01, nil, true)
	require.NoError(t, err)
	_, err = q.Enqueue(0x02, nil, true)
	require.NoError(t, err)

	_, err = q.Enqueue(0x03, nil, true)
	require.ErrorIs(t, err, queue.ErrFull)
	require.Equal(t, 2, q.Len())
}

func TestDrainOneFIFOOrder(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	q := queue.New(4, clock)

	_, err := q.Enqueue(0x01, nil, true)
	require.NoError(t, err)
	_, err = q.Enqueue(0x02, nil, true)
	require.NoError(t, err)

	send, err := q.DrainOne(encode)
	require.NoError(t, err)
	require.NotNil(t, send)
	require.Equal(t, uint8(0x01), send.Entry.Opcode)
	require.False(t, send.IsRetry)

	// Second entry is not overtaking: since entry 1 has been sent and is
	// not yet due for retry, DrainOne must not hand out entry 2 either.
	send, err = q.DrainOne(encode)
	require.NoError(t, err)
	require.Nil(t, send)
}

func TestCompleteMatchesOldestOutstanding(t *testing.T) {
	q := queue.New(4, nil)
	_, _ = q.Enqueue(0x01, nil, true)
	_, _ = q.Enqueue(0x01, nil, true)

	matched := q.Complete(0x01)
	require.True(t, matched)

	entries := q.Snapshot()
	require.True(t, entries[0].Completed)
	require.False(t, entries[1].Completed)
}

func TestCompleteEntryReturnsMatchedEntryForRTT(t *testing.T) {
	cur := time.Now()
	clock := func() time.Time { return cur }
	q := queue.New(4, clock)

	entry, err := q.Enqueue(0xF1, nil, true)
	require.NoError(t, err)

	cur = cur.Add(5 * time.Millisecond)
	matched, ok := q.CompleteEntry(0xF1)
	require.True(t, ok)
	require.Same(t, entry, matched)

	rtt := q.Now().Sub(matched.EnqueuedAt)
	require.Equal(t, 5*time.Millisecond, rtt)
}

func TestDuplicateAckIsNotReCompleted(t *testing.T) {
	q := queue.New(4, nil)
	_, _ = q.Enqueue(0x01, nil, true)

	require.True(t, q.Complete(0x01))
	// Second ACK for the same opcode finds nothing outstanding.
	require.False(t, q.Complete(0x01))
}

func TestReapOnlyRemovesLeadingCompleted(t *testing.T) {
	q := queue.New(4, nil)
	_, _ = q.Enqueue(0x01, nil, true)
	_, _ = q.Enqueue(0x02, nil, true)
	_, _ = q.Enqueue(0x03, nil, true)

	// Complete the middle entry only — it must not be reaped because the
	// head entry (0x01) is still outstanding.
	q.Complete(0x02)
	reaped := q.Reap()
	require.Equal(t, 0, reaped)
	require.Equal(t, 3, q.Len())

	q.Complete(0x01)
	reaped = q.Reap()
	// Now 0x01 and 0x02 form a completed prefix, so Reap removes both and
	// stops at 0x03, which is still outstanding.
	require.Equal(t, 2, reaped)
	require.Equal(t, 1, q.Len())
}

func TestRetryTimeoutAndExhaustion(t *testing.T) {
	now := time.Now()
	cur := now
	clock := func() time.Time { return cur }
	q := queue.New(4, clock)

	_, err := q.Enqueue(0x01, nil, true)
	require.NoError(t, err)

	// First send.
	send, err := q.DrainOne(encode)
	require.NoError(t, err)
	require.NotNil(t, send)
	require.False(t, send.IsRetry)

	// Advance past the timeout three times: retries 1, 2, 3.
	for i := 1; i <= queue.MaxRetries; i++ {
		cur = cur.Add(queue.CommandTimeout + time.Millisecond)
		send, err = q.DrainOne(encode)
		require.NoError(t, err)
		require.NotNil(t, send)
		require.True(t, send.IsRetry)
		require.Equal(t, i, send.Entry.RetryCount)
	}

	// One more timeout past MaxRetries retires the entry with an error.
	cur = cur.Add(queue.CommandTimeout + time.Millisecond)
	send, err = q.DrainOne(encode)
	require.NoError(t, err)
	require.Nil(t, send)

	entries := q.Snapshot()
	require.True(t, entries[0].Completed)
	require.True(t, entries[0].CompletedWithError)
	require.Equal(t, uint8(queue.ErrorKindTimeout), entries[0].ErrorKind)
}

func TestEnqueueRejectsOversizedPayload(t *testing.T) {
	q := queue.New(4, nil)
	_, err := q.Enqueue(0x01, make([]byte, queue.MaxPayloadBytes+1), true)
	require.ErrorIs(t, err, queue.ErrPayloadTooLarge)
}

func TestEnqueueFrontPlacesAheadOfExisting(t *testing.T) {
	q := queue.New(4, nil)
	_, _ = q.Enqueue(0x01, nil, true)
	_, _ = q.EnqueueFront(0x02, nil, true)

	entries := q.Snapshot()
	require.Equal(t, uint8(0x02), entries[0].Opcode)
	require.Equal(t, uint8(0x01), entries[1].Opcode)
}
