package mrz

import (
	"fmt"
	"strings"

	"golang.org/x/text/width"
)

// FieldWidth is the fixed width every field is padded to before check digits
// are computed, matching MRZ line 2 of a TD3 document.
const FieldWidth = 9

// DateLength is the number of digits in a YYMMDD date.
const DateLength = 6

const Filler = '<'

type FieldKind int

const (
	DocumentNumber FieldKind = iota
	DateOfBirth
	DateOfExpiry
)

func (k FieldKind) String() string {
	switch k {
	case DocumentNumber:
		return "passport_number"
	case DateOfBirth:
		return "date_of_birth"
	case DateOfExpiry:
		return "expiry_date"
	default:
		return fmt.Sprintf("field(%d)", int(k))
	}
}

// PassportInputFields holds the raw values as typed by the user.
type PassportInputFields struct {
	PassportNumber string `json:"passport_number"`
	DateOfBirth    string `json:"date_of_birth"`
	ExpiryDate     string `json:"expiry_date"`
}

type FieldResult struct {
	Normalized string `json:"normalized"`
	Valid      bool   `json:"valid"`
}

type ValidationResult struct {
	PassportNumber FieldResult `json:"passport_number"`
	DateOfBirth    FieldResult `json:"date_of_birth"`
	ExpiryDate     FieldResult `json:"expiry_date"`
}

// AllValid is only true when every field passed its format check.
func (r ValidationResult) AllValid() bool {
	return r.PassportNumber.Valid && r.DateOfBirth.Valid && r.ExpiryDate.Valid
}

// canonical folds full-width input (common on phone keyboards) to ASCII and uppercases
// ASCII letters. Nothing is stripped; other runes are left for the character check to reject.
func canonical(raw string) string {
	return strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' {
			return r - 'a' + 'A'
		}
		return r
	}, width.Narrow.String(raw))
}

func isAlnum(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'A' && c <= 'Z')
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// Normalize uppercases raw and right-pads it with the filler character to expectedLen.
// It fails when raw contains anything outside A-Z and 0-9 or is longer than expectedLen.
func Normalize(raw string, expectedLen int) (string, error) {
	s := canonical(raw)
	for i := 0; i < len(s); i++ {
		if !isAlnum(s[i]) {
			return "", fmt.Errorf("invalid character %q at position %d", s[i], i)
		}
	}
	if len(s) > expectedLen {
		return "", fmt.Errorf("value has %d characters, at most %d allowed", len(s), expectedLen)
	}
	return s + strings.Repeat(string(Filler), expectedLen-len(s)), nil
}

// Validate reports whether raw satisfies the format rule of the given field kind:
// document numbers are 1 to 9 alphanumeric characters, dates are exactly 6 digits.
func Validate(kind FieldKind, raw string) bool {
	s := canonical(raw)
	switch kind {
	case DocumentNumber:
		if len(s) == 0 || len(s) > FieldWidth {
			return false
		}
		for i := 0; i < len(s); i++ {
			if !isAlnum(s[i]) {
				return false
			}
		}
		return true
	case DateOfBirth, DateOfExpiry:
		if len(s) != DateLength {
			return false
		}
		for i := 0; i < len(s); i++ {
			if !isDigit(s[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func validateField(kind FieldKind, raw string) FieldResult {
	if !Validate(kind, raw) {
		return FieldResult{}
	}
	normalized, err := Normalize(raw, FieldWidth)
	if err != nil {
		return FieldResult{}
	}
	return FieldResult{Normalized: normalized, Valid: true}
}

// ValidateFields recomputes the validation result from scratch for all three fields.
func ValidateFields(fields PassportInputFields) ValidationResult {
	return ValidationResult{
		PassportNumber: validateField(DocumentNumber, fields.PassportNumber),
		DateOfBirth:    validateField(DateOfBirth, fields.DateOfBirth),
		ExpiryDate:     validateField(DateOfExpiry, fields.ExpiryDate),
	}
}
