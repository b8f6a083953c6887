package oracle_test

import (
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/oracle"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeedOracle_Unavailable(t *testing.T) {
	o := oracle.NewFeedOracle()
	_, err := o.MinPrice("BTC")
	assert.ErrorIs(t, err, oracle.ErrPriceUnavailable)
	_, err = o.MaxPrice("BTC")
	assert.ErrorIs(t, err, oracle.ErrPriceUnavailable)
}

func TestFeedOracle_NoSpread(t *testing.T) {
	o := oracle.NewFeedOracle()
	require.NoError(t, o.UpdatePrice("BTC", fpmath.USD("40000"), 1, 100))

	min, err := o.MinPrice("BTC")
	require.NoError(t, err)
	max, err := o.MaxPrice("BTC")
	require.NoError(t, err)
	assert.Equal(t, fpmath.USD("40000"), min)
	assert.Equal(t, fpmath.USD("40000"), max)
}

func TestFeedOracle_Spread(t *testing.T) {
	o := oracle.NewFeedOracle()
	require.NoError(t, o.SetSpread("BTC", 20))
	require.NoError(t, o.UpdatePrice("BTC", fpmath.USD("40000"), 1, 100))

	min, _ := o.MinPrice("BTC")
	max, _ := o.MaxPrice("BTC")
	assert.Equal(t, fpmath.USD("39920"), min)
	assert.Equal(t, fpmath.USD("40080"), max)
	assert.True(t, min.Lt(max))
}

func TestFeedOracle_RejectsStaleSequence(t *testing.T) {
	o := oracle.NewFeedOracle()
	require.NoError(t, o.UpdatePrice("BTC", fpmath.USD("40000"), 5, 100))

	err := o.UpdatePrice("BTC", fpmath.USD("41000"), 5, 101)
	assert.ErrorIs(t, err, oracle.ErrStalePrice)

	// gaps are fine
	require.NoError(t, o.UpdatePrice("BTC", fpmath.USD("41000"), 9, 102))
	ps, ok := o.GetPrice("BTC")
	require.True(t, ok)
	assert.Equal(t, int64(9), ps.Sequence)
}

func TestFeedOracle_InvalidSpread(t *testing.T) {
	o := oracle.NewFeedOracle()
	assert.ErrorIs(t, o.SetSpread("BTC", 10_000), oracle.ErrInvalidSpread)
}
