package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemaining_ExactAtLargeMagnitudes(t *testing.T) {
	commitment := MustParse("99999999999.99")
	funded := MustParse("99999999999.98")

	assert.Equal(t, "0.01", Format(Remaining(commitment, funded)))
}

func TestRemaining_NegativeOnOverage(t *testing.T) {
	assert.Equal(t, "-20000.00", Format(Remaining(MustParse("100000"), MustParse("120000"))))
}

func TestParse(t *testing.T) {
	d, err := Parse("")
	require.NoError(t, err)
	assert.True(t, d.IsZero())

	_, err = Parse("12.3.4")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = ParsePositive("0")
	assert.ErrorIs(t, err, ErrNegativeAmount)

	_, err = ParsePositive("-1.00")
	assert.ErrorIs(t, err, ErrNegativeAmount)

	d, err = ParsePositive(" 60000.50 ")
	require.NoError(t, err)
	assert.Equal(t, "60000.50", Format(d))
}

func TestParse_RejectsSubCentAmounts(t *testing.T) {
	for _, in := range []string{"99.995", "0.001", "-1.005"} {
		_, err := Parse(in)
		assert.ErrorIs(t, err, ErrTooPrecise, in)
	}

	d, err := ParsePositive("100.000")
	require.NoError(t, err)
	assert.Equal(t, "100.00", Format(d))
}

func TestSum_NoFloatDrift(t *testing.T) {
	total := Sum(MustParse("0.10"), MustParse("0.20"))
	assert.Equal(t, "0.30", Format(total))
	assert.True(t, total.Equal(MustParse("0.3")))
}
