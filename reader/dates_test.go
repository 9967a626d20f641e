package reader

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testMonthDate = "0101"

func TestParseExpiryDate(t *testing.T) {
	now := time.Now()

	t.Run("valid date parses correctly", func(t *testing.T) {
		result, err := ParseExpiryDate("250315", now)
		require.NoError(t, err)
		require.Equal(t, 2025, result.Year())
		require.Equal(t, time.March, result.Month())
		require.Equal(t, 15, result.Day())
	})

	t.Run("one year after current year is untouched", func(t *testing.T) {
		nextYear := now.Year()%100 + 1
		result, err := ParseExpiryDate(fmt.Sprintf("%02d%s", nextYear, testMonthDate), now)
		require.NoError(t, err)
		require.Equal(t, now.Year()+1, result.Year())
	})

	t.Run("31 years before now gets 100 years added", func(t *testing.T) {
		longAgo := now.AddDate(-31, 0, 0)
		result, err := ParseExpiryDate(fmt.Sprintf("%02d%s", longAgo.Year()%100, testMonthDate), now)
		require.NoError(t, err)
		require.Equal(t, longAgo.Year()+100, result.Year())
	})

	t.Run("29 years before now is untouched", func(t *testing.T) {
		recent := now.AddDate(-29, 0, 0)
		result, err := ParseExpiryDate(fmt.Sprintf("%02d%s", recent.Year()%100, testMonthDate), now)
		require.NoError(t, err)
		require.Equal(t, recent.Year(), result.Year())
	})

	t.Run("fixed reference date", func(t *testing.T) {
		ref := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)
		result, err := ParseExpiryDate("120415", ref)
		require.NoError(t, err)
		require.Equal(t, 2012, result.Year())
	})

	t.Run("invalid format - too short", func(t *testing.T) {
		_, err := ParseExpiryDate("25031", now)
		requireInvalidDateError(t, err)
	})

	t.Run("invalid format - too long", func(t *testing.T) {
		_, err := ParseExpiryDate("2503155", now)
		requireInvalidDateError(t, err)
	})

	t.Run("invalid date values", func(t *testing.T) {
		_, err := ParseExpiryDate("251399", now)
		require.Error(t, err)
		require.Contains(t, err.Error(), "error parsing date")
	})

	t.Run("empty string", func(t *testing.T) {
		_, err := ParseExpiryDate("", now)
		requireInvalidDateError(t, err)
	})
}

func TestParseDateOfBirth(t *testing.T) {
	ref := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		date string
		year int
	}{
		{"icao sample", "740812", 1974},
		{"1968 parses correctly", "680101", 1968},
		{"1969 parses correctly", "690101", 1969},
		{"1999", "990101", 1999},
		{"current year is untouched", "240101", 2024},
		{"one year ahead belongs to last century", "250101", 1925},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseDateOfBirth(tt.date, ref)
			require.NoError(t, err)
			require.Equal(t, tt.year, result.Year())
		})
	}

	t.Run("invalid format", func(t *testing.T) {
		_, err := ParseDateOfBirth("7408", ref)
		requireInvalidDateError(t, err)
	})

	t.Run("invalid date values", func(t *testing.T) {
		_, err := ParseDateOfBirth("741399", ref)
		require.Error(t, err)
		require.Contains(t, err.Error(), "error parsing date")
	})
}

func requireInvalidDateError(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid date format")
}
