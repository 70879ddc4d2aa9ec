package money_test

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edumesh/edumesh-server/platform/go/money"
)

func TestNewRoundsHalfUp(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"1234.50", "1234.50"},
		{"0.005", "0.01"},
		{"0.004", "0.00"},
		{"2.675", "2.68"},
		{"-0.005", "-0.01"},
		{"100", "100.00"},
	}
	for _, tc := range cases {
		a, err := money.New(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, a.String(), tc.in)
	}

	_, err := money.New("12,50")
	assert.Error(t, err)
}

func TestArithmeticStaysExact(t *testing.T) {
	// The classic float trap: 0.1 + 0.2 must be exactly 0.30.
	sum := money.MustNew("0.1").Add(money.MustNew("0.2"))
	assert.Equal(t, "0.30", sum.String())

	fee := money.MustNew("50.00").MulInt(10)
	assert.Equal(t, "500.00", fee.String())

	balance := money.MustNew("10000.00").Sub(money.MustNew("4000.00"))
	assert.Equal(t, "6000.00", balance.String())

	total := money.Sum(money.MustNew("1.10"), money.MustNew("2.20"), money.MustNew("3.30"))
	assert.Equal(t, "6.60", total.String())
}

func TestPercent(t *testing.T) {
	// 7.5% of 999.99 = 74.99925 -> 75.00 half-up.
	got := money.MustNew("999.99").Percent(decimal.RequireFromString("7.5"))
	assert.Equal(t, "75.00", got.String())

	// One third of a rupee rounds at the end, not per step.
	third := money.MustNew("1.00").Percent(decimal.RequireFromString("33.333333"))
	assert.Equal(t, "0.33", third.String())
}

func TestPercentConcurrent(t *testing.T) {
	base := money.MustNew("999.99")
	rate := decimal.RequireFromString("7.5")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				if got := base.Percent(rate).String(); got != "75.00" {
					t.Errorf("got %s, want 75.00", got)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestComparisons(t *testing.T) {
	a := money.MustNew("10.00")
	b := money.MustNew("10.000")

	assert.Zero(t, a.Cmp(b))
	assert.Equal(t, 1, a.Cmp(money.Zero))
	assert.True(t, a.IsPositive())
	assert.True(t, money.Zero.IsZero())
	assert.True(t, money.Zero.Sub(a).IsNegative())
}

func TestJSONRoundTrip(t *testing.T) {
	type payload struct {
		Amount money.Amount `json:"amount"`
	}

	out, err := json.Marshal(payload{Amount: money.MustNew("1234.5")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"1234.50"}`, string(out))

	var fromString payload
	require.NoError(t, json.Unmarshal([]byte(`{"amount":"99.90"}`), &fromString))
	assert.Equal(t, "99.90", fromString.Amount.String())

	// Clients sending bare numbers are tolerated on input.
	var fromNumber payload
	require.NoError(t, json.Unmarshal([]byte(`{"amount":99.9}`), &fromNumber))
	assert.Equal(t, "99.90", fromNumber.Amount.String())
}

func TestScanNumericColumn(t *testing.T) {
	var a money.Amount
	require.NoError(t, a.Scan("2500.00"))
	assert.Equal(t, "2500.00", a.String())

	require.NoError(t, a.Scan([]byte("17.5")))
	assert.Equal(t, "17.50", a.String())

	require.NoError(t, a.Scan(nil))
	assert.True(t, a.IsZero())

	assert.Error(t, a.Scan(3.14))

	v, err := money.MustNew("42.00").Value()
	require.NoError(t, err)
	assert.Equal(t, "42.00", v)
}

func TestFromPaise(t *testing.T) {
	assert.Equal(t, "12.34", money.FromPaise(1234).String())
	assert.Equal(t, "-0.01", money.FromPaise(-1).String())
}
