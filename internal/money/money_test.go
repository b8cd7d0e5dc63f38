package money_test

import (
	"testing"

	"CrashLedger/internal/money"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestTruncate4(t *testing.T) {
	cases := map[string]string{
		"30.12349": "30.1234",
		"0.00009":  "0",
		"-1.23456": "-1.2345",
		"150":      "150",
	}
	for in, want := range cases {
		if got := money.Truncate4(d(in)); !got.Equal(d(want)) {
			t.Errorf("Truncate4(%s) = %s, want %s", in, got, want)
		}
	}
}

func TestFloorMultiplier(t *testing.T) {
	cases := map[string]string{
		"19.4999": "19.49",
		"2":       "2",
		"0.5":     "1",
		"1.009":   "1",
	}
	for in, want := range cases {
		if got := money.FloorMultiplier(d(in)); !got.Equal(d(want)) {
			t.Errorf("FloorMultiplier(%s) = %s, want %s", in, got, want)
		}
	}
}

func TestPercentAndFloorUnits(t *testing.T) {
	if got := money.Percent(d("1000"), d("15")); !got.Equal(d("150")) {
		t.Errorf("15%% of 1000 = %s", got)
	}
	if got := money.Percent(d("100"), d("0.5")); !got.Equal(d("0.5")) {
		t.Errorf("0.5%% of 100 = %s", got)
	}
	if got := money.FloorUnits(d("1500.99")); !got.Equal(d("1500")) {
		t.Errorf("FloorUnits = %s", got)
	}
}

func TestRound_Modes(t *testing.T) {
	v := d("-2.345")
	if got := money.Round(v, 2, money.RoundDown); !got.Equal(d("-2.34")) {
		t.Errorf("RoundDown = %s", got)
	}
	if got := money.Round(v, 2, money.RoundFloor); !got.Equal(d("-2.35")) {
		t.Errorf("RoundFloor = %s", got)
	}
	if got := money.Round(d("2.345"), 2, money.RoundHalfEven); !got.Equal(d("2.34")) {
		t.Errorf("RoundHalfEven = %s", got)
	}
}

func TestParse(t *testing.T) {
	if got, err := money.Parse("12.5"); err != nil || !got.Equal(d("12.5")) {
		t.Errorf("Parse(12.5) = %s, %v", got, err)
	}
	for _, bad := range []string{"", "abc", "-1"} {
		if _, err := money.Parse(bad); err == nil {
			t.Errorf("Parse(%q) accepted", bad)
		}
	}
	if !money.Min(d("3"), d("2")).Equal(d("2")) || money.Positive(money.Zero) {
		t.Error("Min/Positive")
	}
}
