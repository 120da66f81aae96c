package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultEngineConfigIsFullyPopulated(t *testing.T) {
	cfg := DefaultEngineConfig()
	require.Equal(t, "FORCE_ONE_LOT", cfg.LotPolicy)
	require.Equal(t, 3, cfg.Rate.MaxOrdersPerSec)
	require.Equal(t, 600.0, cfg.Risk.RiskPerTradeInr)
	require.Equal(t, "15:20", cfg.Pacing.ForceFlattenAt)
	require.True(t, cfg.CircuitBreaker.Enabled)
}

func TestParseTimeOfDay(t *testing.T) {
	require.Equal(t, 15*time.Hour+20*time.Minute, ParseTimeOfDay("15:20"))
	require.Equal(t, time.Duration(0), ParseTimeOfDay(""))
	require.Equal(t, time.Duration(0), ParseTimeOfDay("not-a-time"))
}

func TestNewManagerLoadsFileAndAppliesOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tradecore.yaml")
	require.NoError(t, os.WriteFile(path, []byte("risk:\n  risk_per_trade_inr: 900\n"), 0o644))

	m, err := NewManager(path, "test")
	require.NoError(t, err)
	defer m.Close()

	cfg := m.Get()
	require.Equal(t, "test", cfg.Environment)
	require.Equal(t, 900.0, cfg.Risk.RiskPerTradeInr)
	// Untouched fields keep their defaults.
	require.Equal(t, 3, cfg.Rate.MaxOrdersPerSec)
}

func TestNewManagerReloadsOnFileWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tradecore.yaml")
	require.NoError(t, os.WriteFile(path, []byte("risk:\n  risk_per_trade_inr: 600\n"), 0o644))

	m, err := NewManager(path, "test")
	require.NoError(t, err)
	defer m.Close()

	reloaded := make(chan *EngineConfig, 1)
	m.RegisterCallback(func(cfg *EngineConfig) {
		select {
		case reloaded <- cfg:
		default:
		}
	})

	require.NoError(t, os.WriteFile(path, []byte("risk:\n  risk_per_trade_inr: 1200\n"), 0o644))

	select {
	case cfg := <-reloaded:
		require.Equal(t, 1200.0, cfg.Risk.RiskPerTradeInr)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for config reload callback")
	}
}
