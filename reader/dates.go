package reader

import (
	"fmt"
	"time"
)

const mrzDateLayout = "060102"

func parseMrzDate(dateStr string) (time.Time, error) {
	// Parse date in yymmdd format
	if len(dateStr) != 6 {
		return time.Time{}, fmt.Errorf("invalid date format: %s", dateStr)
	}

	parsedDate, err := time.Parse(mrzDateLayout, dateStr)
	if err != nil {
		return time.Time{}, fmt.Errorf("error parsing date: %w", err)
	}
	return parsedDate, nil
}

// ParseExpiryDate parses a YYMMDD expiry date. Expiry dates more than 30 years in
// the past are taken to be in the next century.
func ParseExpiryDate(dateStr string, now time.Time) (time.Time, error) {
	parsedDate, err := parseMrzDate(dateStr)
	if err != nil {
		return time.Time{}, err
	}

	if parsedDate.Before(now.AddDate(-30, 0, 0)) {
		parsedDate = parsedDate.AddDate(100, 0, 0)
	}
	return parsedDate, nil
}

// ParseDateOfBirth parses a YYMMDD birth date.
// Only two year digits are stored, and time.Parse maps 00-68 to 20xx. A birth date
// in the future therefore belongs to the previous century.
func ParseDateOfBirth(dateStr string, now time.Time) (time.Time, error) {
	parsedDate, err := parseMrzDate(dateStr)
	if err != nil {
		return time.Time{}, err
	}

	if parsedDate.After(now) {
		parsedDate = parsedDate.AddDate(-100, 0, 0)
	}
	return parsedDate, nil
}
