package faults_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"triboy/internal/faults"
)

func TestReportBusyReturnsBackoff(t *testing.T) {
	m := faults.NewManager(nil, nil)
	actions := m.Report("gpu", 0x20, faults.KindBusy)
	require.Equal(t, faults.BackoffDelay, actions.Backoff)
}

func TestReportMemoryExhaustedRequestsCleanup(t *testing.T) {
	m := faults.NewManager(nil, nil)
	actions := m.Report("apu", 0x30, faults.KindMemoryExhausted)
	require.True(t, actions.EnqueueCleanup)
}

func TestReportSyncLostForcesClockSync(t *testing.T) {
	m := faults.NewManager(nil, nil)
	actions := m.Report("gpu", 0x00, faults.KindSyncLost)
	require.True(t, actions.ForceClockSync)
}

func TestReportTimeoutExhaustionRequestsResetAndCountsFailure(t *testing.T) {
	m := faults.NewManager(nil, nil)
	actions := m.Report("gpu", 0x01, faults.KindTimeout)
	require.True(t, actions.ResetLink)
	require.Equal(t, 1, m.LinkFailures("gpu"))
	require.Equal(t, 0, m.LinkFailures("apu"))
}

func TestReportCommunicationFaultRequestsReset(t *testing.T) {
	m := faults.NewManager(nil, nil)
	actions := m.Report("gpu", 0x00, faults.KindCommunicationFault)
	require.True(t, actions.ResetLink)
}

func TestReportInvalidCommandHasNoLinkAction(t *testing.T) {
	m := faults.NewManager(nil, nil)
	actions := m.Report("gpu", 0xAA, faults.KindInvalidCommand)
	require.Equal(t, faults.LinkActions{}, actions)

	// Unrecoverable kinds are recorded unhandled; policy-answered kinds
	// are recorded handled.
	m.Report("gpu", 0x20, faults.KindBusy)
	records := m.Records()
	require.False(t, records[0].Handled)
	require.True(t, records[1].Handled)
}

func TestRecordsRingWrapsAndPreservesOrder(t *testing.T) {
	m := faults.NewManager(nil, nil)
	for i := 0; i < 40; i++ {
		m.Report("gpu", uint8(i), faults.KindTimeout)
	}
	records := m.Records()
	require.Len(t, records, 32)
	// Oldest surviving record is from iteration 8 (40-32), newest from 39.
	require.Equal(t, uint8(8), records[0].Opcode)
	require.Equal(t, uint8(39), records[len(records)-1].Opcode)
}

type fakePinger struct {
	err error
}

func (f fakePinger) Ping(ctx context.Context, timeout time.Duration) error {
	return f.err
}

func TestHealthCheckMarksUnhealthyAfterThreeFailures(t *testing.T) {
	m := faults.NewManager(nil, nil)
	ctx := context.Background()
	failing := fakePinger{err: errors.New("no ack")}

	a1 := m.HealthCheck(ctx, "gpu", failing)
	require.False(t, a1.SlaveUnhealthy)
	a2 := m.HealthCheck(ctx, "gpu", failing)
	require.False(t, a2.SlaveUnhealthy)
	a3 := m.HealthCheck(ctx, "gpu", failing)
	require.True(t, a3.SlaveUnhealthy)
}

func TestHealthCheckSuccessResetsFailureCounter(t *testing.T) {
	m := faults.NewManager(nil, nil)
	ctx := context.Background()
	failing := fakePinger{err: errors.New("no ack")}
	healthy := fakePinger{}

	m.HealthCheck(ctx, "gpu", failing)
	m.HealthCheck(ctx, "gpu", failing)
	m.HealthCheck(ctx, "gpu", healthy)

	a3 := m.HealthCheck(ctx, "gpu", failing)
	require.False(t, a3.SlaveUnhealthy)
}

func TestErrorKindRetryable(t *testing.T) {
	require.True(t, faults.KindTimeout.Retryable())
	require.True(t, faults.KindBusy.Retryable())
	require.False(t, faults.KindInvalidCommand.Retryable())
	require.False(t, faults.KindSyncLost.Retryable())
}
