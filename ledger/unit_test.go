package ledger

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateUnit_LabelRules(t *testing.T) {
	tests := []struct {
		name    string
		kind    UnitKind
		label   string
		want    string
		wantErr error
	}{
		{"money derives label", UnitMoney, "", "subunits", nil},
		{"time derives label", UnitTime, "", "minutes", nil},
		{"points derives label", UnitPoints, "", "points", nil},
		{"custom keeps trimmed label", UnitCustom, "  bricks ", "bricks", nil},
		{"custom requires label", UnitCustom, "   ", "", ErrInvalidUnitLabel},
		{"money forbids label", UnitMoney, "cents", "", ErrInvalidUnitLabel},
		{"custom label too long", UnitCustom, "abcdefghijklmnopqrstuvwxyz0123456789", "", ErrInvalidUnitLabel},
		{"unknown kind", UnitKind("gold"), "", "", ErrInvalidUnitKind},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateUnit(tt.kind, tt.label)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.ErrorIs(t, err, ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseUnitKind_CaseInsensitive(t *testing.T) {
	k, err := ParseUnitKind(" Money ")
	require.NoError(t, err)
	assert.Equal(t, UnitMoney, k)

	_, err = ParseUnitKind("dollars")
	assert.ErrorIs(t, err, ErrInvalidUnitKind)
}

func TestUnitKind_DisplayScaling(t *testing.T) {
	// GIVEN: 10050 stored cents
	// WHEN: Converting to display units
	// THEN: 100.5 for money, unchanged for other kinds
	assert.True(t, UnitMoney.ToDisplay(10050).Equal(decimal.RequireFromString("100.5")))
	assert.True(t, UnitTime.ToDisplay(90).Equal(decimal.NewFromInt(90)))

	v, err := UnitMoney.FromDisplay(decimal.RequireFromString("12.34"))
	require.NoError(t, err)
	assert.Equal(t, int64(1234), v)

	_, err = UnitMoney.FromDisplay(decimal.RequireFromString("0.005"))
	assert.ErrorIs(t, err, ErrValidation, "sub-cent values are rejected, not rounded")

	_, err = UnitPoints.FromDisplay(decimal.RequireFromString("1.5"))
	assert.ErrorIs(t, err, ErrValidation)

	_, err = UnitMoney.FromDisplay(decimal.NewFromInt(math.MaxInt64))
	assert.ErrorIs(t, err, ErrValidation, "overflow after scaling")
}
