package monitoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// One collector for the whole package: promauto registers on the default
// registry, so a second NewMetrics would panic on duplicate registration.
var testMetrics = NewMetrics()

func TestSnapshotTracksRecords(t *testing.T) {
	m := testMetrics

	m.RecordSyscall("send", "ok", 2*time.Millisecond)
	m.RecordSyscall("receive", "would_block", time.Millisecond)
	m.RecordIPCMessage("mailbox")
	m.RecordTimeout()
	m.SetProcesses(3)

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.TotalSyscalls)
	assert.Equal(t, int64(1), snap.FailedSyscalls)
	assert.Equal(t, int64(1), snap.TotalMessages)
	assert.Equal(t, int64(1), snap.TotalTimeouts)
	assert.Equal(t, int64(3), snap.ActiveProcesses)
	assert.InDelta(t, 0.0015, snap.AverageSyscallSeconds(), 0.0001)

	// Scheduler and IRQ records must not disturb the snapshot.
	m.RecordContextSwitch(0)
	m.RecordPreemption(1)
	m.RecordMigration()
	m.SetRunQueueDepth(0, "normal", 2)
	m.RecordIRQ(42, true)
	assert.Equal(t, int64(2), m.Snapshot().TotalSyscalls)
}

func TestAverageOfEmptySnapshot(t *testing.T) {
	var snap MetricsSnapshot
	assert.Zero(t, snap.AverageSyscallSeconds())
}
