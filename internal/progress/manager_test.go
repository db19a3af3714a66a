package progress

import (
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, path string) *Manager {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	m, err := NewManager(path, logger)
	require.NoError(t, err)
	return m
}

func TestManager_Fresh(t *testing.T) {
	m := newTestManager(t, filepath.Join(t.TempDir(), "progress.db"))
	defer m.Close()

	last, ok := m.GetLastProcessedBlock()
	assert.False(t, ok)
	assert.Equal(t, uint64(0), last)
	assert.False(t, m.IsProcessed(0))
	assert.NoError(t, m.SaveCheckpoint())
}

func TestManager_UpdateProgress(t *testing.T) {
	m := newTestManager(t, filepath.Join(t.TempDir(), "progress.db"))
	defer m.Close()

	require.NoError(t, m.UpdateProgress(0, 2, 0))
	assert.True(t, m.IsProcessed(0))
	assert.False(t, m.IsProcessed(1))

	require.NoError(t, m.UpdateProgress(10, 3, 1))
	require.NoError(t, m.UpdateProgress(5, 0, 2)) // 旧区块不回退进度

	info := m.GetProgress()
	assert.Equal(t, uint64(10), info.LastProcessedBlock)
	assert.Equal(t, uint64(3), info.TotalBlocks)
	assert.Equal(t, uint64(5), info.TotalSnapshots)
	assert.Equal(t, uint64(3), info.TotalSkipped)
	assert.False(t, info.StartTime.IsZero())

	stats := m.GetStats()
	assert.Equal(t, uint64(10), stats["last_processed_block"])
	assert.Equal(t, uint64(5), stats["total_snapshots"])
}

func TestManager_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.db")

	m := newTestManager(t, path)
	require.NoError(t, m.UpdateProgress(42, 7, 1))
	require.NoError(t, m.Close())

	reopened := newTestManager(t, path)
	defer reopened.Close()

	last, ok := reopened.GetLastProcessedBlock()
	assert.True(t, ok)
	assert.Equal(t, uint64(42), last)
	assert.True(t, reopened.IsProcessed(42))
	assert.False(t, reopened.IsProcessed(41))

	info := reopened.GetProgress()
	assert.Equal(t, uint64(1), info.TotalBlocks)
	assert.Equal(t, uint64(7), info.TotalSnapshots)
	assert.Equal(t, uint64(1), info.TotalSkipped)
	assert.Equal(t, path, reopened.GetDBPath())
}

func TestManager_Reset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.db")

	m := newTestManager(t, path)
	require.NoError(t, m.UpdateProgress(42, 7, 1))
	require.NoError(t, m.Reset())

	_, ok := m.GetLastProcessedBlock()
	assert.False(t, ok)
	assert.False(t, m.IsProcessed(42))
	require.NoError(t, m.Close())

	reopened := newTestManager(t, path)
	defer reopened.Close()
	_, ok = reopened.GetLastProcessedBlock()
	assert.False(t, ok)
	assert.Equal(t, uint64(0), reopened.GetProgress().TotalSnapshots)
}

func TestManager_OutOfOrderBlocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.db")

	m := newTestManager(t, path)
	require.NoError(t, m.UpdateProgress(20, 1, 0))

	// 低于最大高度但尚未处理的区块不算已处理
	assert.False(t, m.IsProcessed(19))

	require.NoError(t, m.UpdateProgress(19, 1, 0))
	assert.True(t, m.IsProcessed(19))

	last, _ := m.GetLastProcessedBlock()
	assert.Equal(t, uint64(20), last)
	require.NoError(t, m.Close())

	reopened := newTestManager(t, path)
	defer reopened.Close()
	assert.True(t, reopened.IsProcessed(19))
	assert.True(t, reopened.IsProcessed(20))
	assert.False(t, reopened.IsProcessed(18))
}
