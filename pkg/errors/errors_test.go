package apperrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGatewayError_Retriable(t *testing.T) {
	tests := []struct {
		name      string
		err       GatewayError
		retriable bool
	}{
		{"http 429", GatewayError{Status: 429}, true},
		{"http 503", GatewayError{Status: 503}, true},
		{"venue -1003", GatewayError{Status: 418, VenueCode: -1003}, true},
		{"venue -1006", GatewayError{Status: 500, VenueCode: -1006}, true},
		{"http 401", GatewayError{Status: 401}, false},
		{"http 403", GatewayError{Status: 403}, false},
		{"venue -2010", GatewayError{Status: 400, VenueCode: -2010}, false},
		{"plain 400", GatewayError{Status: 400, VenueCode: -1100}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retriable, tt.err.Retriable())
		})
	}
}

func TestGatewayError_SentinelMapping(t *testing.T) {
	err := &GatewayError{Status: 400, VenueCode: -2010, Message: "Order would immediately match and take."}
	assert.True(t, errors.Is(err, ErrWouldMatch))

	err = &GatewayError{Status: 400, VenueCode: -1021}
	assert.True(t, errors.Is(err, ErrTimestampOutOfBounds))

	err = &GatewayError{Status: 401}
	assert.True(t, errors.Is(err, ErrAuthenticationFailed))

	// Wrapping preserves the mapping.
	wrapped := fmt.Errorf("place order: %w", &GatewayError{VenueCode: -2011})
	assert.True(t, errors.Is(wrapped, ErrOrderNotFound))
}

func TestRiskBlocked_Error(t *testing.T) {
	err := &RiskBlocked{Gate: "heat", Reason: "0.22>0.20"}
	assert.Equal(t, "risk blocked [heat]: 0.22>0.20", err.Error())
}

func TestFilterError_CollectsAllViolations(t *testing.T) {
	err := &FilterError{Symbol: "BTCUSDT", Violations: []string{
		"quantity 0.0000001 below minQty 0.00001",
		"notional 5.00 below minNotional 10.00",
	}}
	assert.Contains(t, err.Error(), "minQty")
	assert.Contains(t, err.Error(), "minNotional")
}
