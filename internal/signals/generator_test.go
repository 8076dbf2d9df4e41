package signals

import (
	"context"
	"testing"
	"time"

	"spottrader/internal/core"
	"spottrader/internal/mock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockLogger is a no-op logger for tests.
type MockLogger struct{}

func (m *MockLogger) Debug(msg string, fields ...interface{})               {}
func (m *MockLogger) Info(msg string, fields ...interface{})                {}
func (m *MockLogger) Warn(msg string, fields ...interface{})                {}
func (m *MockLogger) Error(msg string, fields ...interface{})               {}
func (m *MockLogger) Fatal(msg string, fields ...interface{})               {}
func (m *MockLogger) WithField(key string, value interface{}) core.ILogger  { return m }
func (m *MockLogger) WithFields(fields map[string]interface{}) core.ILogger { return m }

func revertSnapshot() *core.MarketSnapshot {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	return &core.MarketSnapshot{
		Symbol:    "BTCUSDT",
		At:        now,
		LastPrice: dec("49500"),
		VWAP:      dec("49800"),
		ATR:       dec("100"),
		Klines15m: []core.Kline{bar("49500", "49520", "49380", "49510", "10", now.Add(-15*time.Minute))},
	}
}

func generatorConfig() *core.BotConfig {
	return &core.BotConfig{
		UserID: "u1",
		Playbooks: map[core.Playbook]core.PlaybookConfig{
			core.PlaybookA: {Enabled: true, VolumeMult: dec("1.5"), StopATRMult: dec("1.2")},
			core.PlaybookB: {Enabled: true, DeviationATRMult: dec("2"), StopATRMult: dec("1")},
		},
	}
}

func TestGenerate_PlaybookFailureDoesNotSuppressOthers(t *testing.T) {
	gw := mock.NewGateway()
	// No hourly bars scripted: playbook A's fetch fails, B must still run.
	gen := NewGenerator(gw, dec("0.04"), &MockLogger{})

	signals := gen.Generate(context.Background(), revertSnapshot(), generatorConfig())

	require.Len(t, signals, 1)
	assert.Equal(t, core.PlaybookB, signals[0].Playbook)
	assert.Equal(t, core.SideBuy, signals[0].Side)
	assert.NotEmpty(t, signals[0].ID)
}

func TestGenerate_DisabledPlaybookSkipped(t *testing.T) {
	gw := mock.NewGateway()
	cfg := generatorConfig()
	pb := cfg.Playbooks[core.PlaybookB]
	pb.Enabled = false
	cfg.Playbooks[core.PlaybookB] = pb

	gen := NewGenerator(gw, dec("0.04"), &MockLogger{})
	signals := gen.Generate(context.Background(), revertSnapshot(), cfg)

	assert.Empty(t, signals)
}

func TestGenerate_BreakoutUsesScriptedHourlyBars(t *testing.T) {
	snap, klines1h := breakoutFixture()
	gw := mock.NewGateway()
	gw.KlineSet[snap.Symbol+":1h"] = klines1h

	cfg := &core.BotConfig{
		UserID: "u1",
		Playbooks: map[core.Playbook]core.PlaybookConfig{
			core.PlaybookA: {Enabled: true, VolumeMult: dec("1.5"), StopATRMult: dec("1.2")},
			core.PlaybookD: {Enabled: true, VolumeMult: dec("2"), StopATRMult: dec("1")},
		},
	}

	gen := NewGenerator(gw, dec("0.04"), &MockLogger{})
	signals := gen.Generate(context.Background(), snap, cfg)

	require.Len(t, signals, 1)
	assert.Equal(t, core.PlaybookA, signals[0].Playbook)
	assert.Contains(t, signals[0].Reason, "PDH")
}
