package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mercator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
platform:
  name: memory
measurement:
  channels: [11, 16, 26]
  num_transactions_num: 3
  tx_power_dbm: -4
  tx_len: 20
  tx_num_per_transaction: 100
  tx_interval_ms: 20
  tx_fill_byte: 170
`)
	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", f.Platform.Name)
	assert.Len(t, f.Measurement.Channels, 3)
	assert.False(t, f.Measurement.Infinite())
}

func TestLoadInfiniteTransactions(t *testing.T) {
	path := writeConfig(t, `
platform:
  name: memory
measurement:
  channels: [11]
  num_transactions_num: -1
  tx_power_dbm: -4
  tx_len: 20
  tx_num_per_transaction: 100
  tx_interval_ms: 20
  tx_fill_byte: 170
`)
	f, err := Load(path)
	require.NoError(t, err)
	assert.True(t, f.Measurement.Infinite())
}

func TestLoadRejectsMissingPlatform(t *testing.T) {
	path := writeConfig(t, `
measurement:
  channels: [11]
  tx_num_per_transaction: 10
  tx_len: 10
  tx_interval_ms: 10
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestLoadRejectsOutOfRangeChannel(t *testing.T) {
	path := writeConfig(t, `
platform:
  name: memory
measurement:
  channels: [1]
  tx_num_per_transaction: 10
  tx_len: 10
  tx_interval_ms: 10
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfig)
}
