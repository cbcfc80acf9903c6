/*
unit.go - The four unit kinds and their integer representation

PURPOSE:
  Every reward value is a positive integer in the reward type's smallest
  unit. The unit kind decides what that integer means and how many of them
  make one display unit:

    money:  100 subunits per display unit (cents per dollar)
    time:   1 unit = 1 minute
    points: 1 unit = 1 point
    custom: caller-defined, no scaling; the label is presentational

LABEL RULES:
  unit_label is required for custom and forbidden for every other kind.
  Non-custom kinds derive their label (see DefaultLabel).

SEE ALSO:
  - directory.go: Validates reward types on creation
*/
package ledger

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

type UnitKind string

const (
	UnitMoney  UnitKind = "money"
	UnitTime   UnitKind = "time"
	UnitPoints UnitKind = "points"
	UnitCustom UnitKind = "custom"
)

const maxUnitLabelLen = 32

var (
	moneyScale = decimal.NewFromInt(100)
	unitScale  = decimal.NewFromInt(1)
)

// ParseUnitKind accepts the closed set of unit kinds.
func ParseUnitKind(s string) (UnitKind, error) {
	k := UnitKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidUnitKind, s)
	}
	return k, nil
}

func (k UnitKind) Valid() bool {
	switch k {
	case UnitMoney, UnitTime, UnitPoints, UnitCustom:
		return true
	}
	return false
}

// ValidateUnit checks the kind/label pairing and returns the effective label.
func ValidateUnit(kind UnitKind, label string) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidUnitKind, kind)
	}
	label = strings.TrimSpace(label)
	if kind == UnitCustom {
		if label == "" {
			return "", fmt.Errorf("%w: custom unit requires a label", ErrInvalidUnitLabel)
		}
		if len(label) > maxUnitLabelLen {
			return "", fmt.Errorf("%w: label longer than %d characters", ErrInvalidUnitLabel, maxUnitLabelLen)
		}
		return label, nil
	}
	if label != "" {
		return "", fmt.Errorf("%w: %s unit cannot carry a label", ErrInvalidUnitLabel, kind)
	}
	return kind.DefaultLabel(), nil
}

// DefaultLabel is the derived label of non-custom kinds.
func (k UnitKind) DefaultLabel() string {
	switch k {
	case UnitMoney:
		return "subunits"
	case UnitTime:
		return "minutes"
	case UnitPoints:
		return "points"
	}
	return ""
}

// Scale is the number of smallest units per display unit.
func (k UnitKind) Scale() decimal.Decimal {
	if k == UnitMoney {
		return moneyScale
	}
	return unitScale
}

// ToDisplay converts a stored integer into display units (10050 -> 100.5 for money).
func (k UnitKind) ToDisplay(v int64) decimal.Decimal {
	return decimal.NewFromInt(v).Div(k.Scale())
}

// FromDisplay converts display units into the stored integer. Fractions finer
// than the smallest unit are rejected rather than rounded.
func (k UnitKind) FromDisplay(d decimal.Decimal) (int64, error) {
	v := d.Mul(k.Scale())
	if !v.IsInteger() {
		return 0, &ValidationError{Field: "value", Reason: fmt.Sprintf("%s is finer than the smallest %s unit", d, k)}
	}
	if v.GreaterThan(decimal.NewFromInt(math.MaxInt64)) || v.LessThan(decimal.NewFromInt(math.MinInt64)) {
		return 0, &ValidationError{Field: "value", Reason: "out of range"}
	}
	return v.IntPart(), nil
}
