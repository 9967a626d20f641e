package mrz

import (
	"errors"
	"strconv"
	"strings"
)

var ErrInvalidFields = errors.New("cannot build MRZ key from invalid fields")

var checkDigitWeights = [3]int{7, 3, 1}

func charValue(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'A' && c <= 'Z':
		return int(c-'A') + 10
	default:
		// filler, and anything the validator should have rejected
		return 0
	}
}

// CheckDigit computes the ICAO 9303 check digit of an already normalized field.
func CheckDigit(field string) int {
	sum := 0
	for i := 0; i < len(field); i++ {
		sum += charValue(field[i]) * checkDigitWeights[i%3]
	}
	return sum % 10
}

// Key is the MRZ information used to derive the chip access keys:
// document number, date of birth and date of expiry, each followed by its check digit.
type Key string

func (k Key) String() string {
	return string(k)
}

// wellFormed reports whether value is a padded field that is safe to slice and check.
func wellFormed(value string) bool {
	if len(value) != FieldWidth {
		return false
	}
	for i := 0; i < len(value); i++ {
		if !isAlnum(value[i]) && value[i] != Filler {
			return false
		}
	}
	return true
}

// BuildKey composes the MRZ key. It fails with ErrInvalidFields unless every field is valid.
func BuildKey(fields ValidationResult) (Key, error) {
	if !fields.AllValid() {
		return "", ErrInvalidFields
	}
	for _, f := range []FieldResult{fields.PassportNumber, fields.DateOfBirth, fields.ExpiryDate} {
		if !wellFormed(f.Normalized) {
			return "", ErrInvalidFields
		}
	}

	var sb strings.Builder
	appendField := func(value string) {
		sb.WriteString(value)
		sb.WriteString(strconv.Itoa(CheckDigit(value)))
	}

	appendField(fields.PassportNumber.Normalized)
	appendField(fields.DateOfBirth.Normalized[:DateLength])
	appendField(fields.ExpiryDate.Normalized[:DateLength])

	return Key(sb.String()), nil
}

// KeyFromMRZ derives the key from values as they appear on the document itself,
// for example the DG1 of a chip. Document numbers longer than nine characters are
// truncated to the first nine, as the MRZ line does.
func KeyFromMRZ(documentNumber, dateOfBirth, dateOfExpiry string) (Key, error) {
	documentNumber = strings.TrimRight(documentNumber, string(Filler))
	if len(documentNumber) > FieldWidth {
		documentNumber = documentNumber[:FieldWidth]
	}
	return BuildKey(ValidateFields(PassportInputFields{
		PassportNumber: documentNumber,
		DateOfBirth:    dateOfBirth,
		ExpiryDate:     dateOfExpiry,
	}))
}
