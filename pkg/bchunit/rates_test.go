package bchunit

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/require"
)

// TestFeeForSize checks the fee computation for a handful of sizes.
func TestFeeForSize(t *testing.T) {
	t.Parallel()

	require.Equal(t, btcutil.Amount(226), NewSatPerByte(1).FeeForSize(226))
	require.Equal(t, btcutil.Amount(678), NewSatPerByte(3).FeeForSize(226))
	require.Equal(t, btcutil.Amount(0), NewSatPerByte(5).FeeForSize(0))
}

// TestValidate checks the protocol minimum and the configured maximum.
func TestValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, NewSatPerByte(1).Validate(0))
	require.NoError(t, NewSatPerByte(10).Validate(0))

	require.ErrorIs(t, NewSatPerByte(0).Validate(0), ErrFeeRateTooLow)
	require.ErrorIs(t, NewSatPerByte(-3).Validate(0), ErrFeeRateTooLow)
	require.ErrorIs(t, NewSatPerByte(11).Validate(0), ErrFeeRateTooHigh)

	// A custom maximum widens the range.
	require.NoError(t, NewSatPerByte(11).Validate(50))
	require.ErrorIs(t, NewSatPerByte(51).Validate(50), ErrFeeRateTooHigh)
}
