package filters

import (
	"testing"

	"spottrader/internal/core"
	apperrors "spottrader/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testService() *Service {
	s := NewService(nil, nil, &MockLogger{})
	s.Seed(map[string]core.Pair{
		"BTCUSDT": {
			Symbol:      "BTCUSDT",
			TickSize:    dec("0.01"),
			StepSize:    dec("0.00001"),
			MinPrice:    dec("0.01"),
			MaxPrice:    dec("1000000"),
			MinQty:      dec("0.00001"),
			MaxQty:      dec("9000"),
			MinNotional: dec("10"),
		},
		"SHIBUSDT": {
			Symbol:   "SHIBUSDT",
			TickSize: dec("0.00000001"),
			StepSize: dec("1"),
			MinQty:   dec("1"),
		},
	})
	return s
}

type MockLogger struct{}

func (m *MockLogger) Debug(msg string, fields ...interface{})               {}
func (m *MockLogger) Info(msg string, fields ...interface{})                {}
func (m *MockLogger) Warn(msg string, fields ...interface{})                {}
func (m *MockLogger) Error(msg string, fields ...interface{})               {}
func (m *MockLogger) Fatal(msg string, fields ...interface{})               {}
func (m *MockLogger) WithField(key string, value interface{}) core.ILogger  { return m }
func (m *MockLogger) WithFields(fields map[string]interface{}) core.ILogger { return m }

func TestRoundQty_FloorsToStep(t *testing.T) {
	s := testService()

	got, err := s.RoundQty("BTCUSDT", dec("0.0012345"))
	require.NoError(t, err)
	assert.Equal(t, "0.00123", got.String())
}

func TestRoundPrice_FloorsToTick(t *testing.T) {
	s := testService()

	got, err := s.RoundPrice("BTCUSDT", dec("50000.129"))
	require.NoError(t, err)
	assert.Equal(t, "50000.12", got.String())
}

func TestRounding_Idempotent(t *testing.T) {
	s := testService()

	once, err := s.RoundPrice("BTCUSDT", dec("50000.12"))
	require.NoError(t, err)
	twice, err := s.RoundPrice("BTCUSDT", once)
	require.NoError(t, err)
	assert.True(t, once.Equal(twice))

	q1, err := s.RoundQty("BTCUSDT", dec("0.00123"))
	require.NoError(t, err)
	assert.Equal(t, "0.00123", q1.String())
}

func TestRound_UnknownSymbol(t *testing.T) {
	s := testService()

	_, err := s.RoundPrice("DOGEUSDT", dec("1"))
	assert.ErrorIs(t, err, apperrors.ErrInvalidSymbol)
}

func TestValidateOrder_Passes(t *testing.T) {
	s := testService()

	err := s.ValidateOrder("BTCUSDT", dec("50000.12"), dec("0.001"))
	assert.NoError(t, err)
}

func TestValidateOrder_StepNonConformance(t *testing.T) {
	s := testService()

	err := s.ValidateOrder("BTCUSDT", dec("50000"), dec("0.0012345"))
	require.Error(t, err)

	var ferr *apperrors.FilterError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, "BTCUSDT", ferr.Symbol)
	require.Len(t, ferr.Violations, 1)
	assert.Contains(t, ferr.Violations[0], "step")
}

func TestValidateOrder_CollectsAllViolations(t *testing.T) {
	s := testService()

	// Below min qty, step non-conformant and below min notional at once.
	err := s.ValidateOrder("BTCUSDT", dec("0.005"), dec("0.000001"))
	require.Error(t, err)

	var ferr *apperrors.FilterError
	require.ErrorAs(t, err, &ferr)
	assert.GreaterOrEqual(t, len(ferr.Violations), 3)
}

func TestConformsToStep_ScaledIntegerModulo(t *testing.T) {
	// 2424.243 is not a multiple of 0.01 once scaled to integers.
	assert.False(t, conformsToStep(dec("2424.243"), dec("0.01")))
	assert.True(t, conformsToStep(dec("2424.24"), dec("0.01")))
	assert.True(t, conformsToStep(dec("5"), dec("1")))
	assert.False(t, conformsToStep(dec("5.5"), dec("1")))
	assert.True(t, conformsToStep(dec("0.00000001"), dec("0.00000001")))
}

func TestPrecisionOf(t *testing.T) {
	cases := map[string]int{
		"0.01":       2,
		"0.01000":    2,
		"1e-8":       8,
		"0.00000001": 8,
		"1":          0,
		"1.000":      0,
		"10.0":       0,
	}
	for in, want := range cases {
		assert.Equal(t, want, PrecisionOf(in), "increment %q", in)
	}
}
