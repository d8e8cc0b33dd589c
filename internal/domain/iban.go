package domain

import (
	"math/big"
	"strings"
)

// ibanLengths covers the SEPA scheme countries.
var ibanLengths = map[string]int{
	"AD": 24, "AT": 20, "BE": 16, "BG": 22, "CH": 21, "CY": 28, "CZ": 24, "DE": 22,
	"DK": 18, "EE": 20, "ES": 24, "FI": 18, "FR": 27, "GB": 22, "GI": 23, "GR": 27,
	"HR": 21, "HU": 28, "IE": 22, "IS": 26, "IT": 27, "LI": 21, "LT": 20, "LU": 20,
	"LV": 21, "MC": 27, "MT": 31, "NL": 18, "NO": 15, "PL": 28, "PT": 25, "RO": 24,
	"SE": 24, "SI": 19, "SK": 24, "SM": 27, "VA": 22,
}

var ninetySeven = big.NewInt(97)

// NormalizeIBAN strips whitespace and upper-cases the account number.
func NormalizeIBAN(raw string) string {
	return strings.ToUpper(strings.Join(strings.Fields(raw), ""))
}

// ValidateIBAN checks country, length and the ISO 13616 mod-97 checksum.
// The input must already be normalized.
func ValidateIBAN(iban string) error {
	if len(iban) < 5 {
		return invalid("iban", "IBAN %q is too short", iban)
	}
	for _, r := range iban {
		if !(r >= 'A' && r <= 'Z') && !(r >= '0' && r <= '9') {
			return invalid("iban", "IBAN contains invalid character %q", r)
		}
	}
	country := iban[:2]
	want, ok := ibanLengths[country]
	if !ok {
		return invalid("iban", "country %s is not part of the SEPA scheme", country)
	}
	if len(iban) != want {
		return invalid("iban", "IBAN for %s must have %d characters, got %d", country, want, len(iban))
	}
	if iban[2] < '0' || iban[2] > '9' || iban[3] < '0' || iban[3] > '9' {
		return invalid("iban", "IBAN check digits must be numeric")
	}

	rearranged := iban[4:] + iban[:4]
	var digits strings.Builder
	for _, r := range rearranged {
		if r >= 'A' && r <= 'Z' {
			digits.WriteString(big.NewInt(int64(r-'A') + 10).String())
			continue
		}
		digits.WriteRune(r)
	}
	n, ok := new(big.Int).SetString(digits.String(), 10)
	if !ok {
		return invalid("iban", "IBAN could not be parsed")
	}
	if new(big.Int).Mod(n, ninetySeven).Int64() != 1 {
		return invalid("iban", "IBAN checksum is invalid")
	}
	return nil
}

// ValidateBIC accepts an empty BIC (IBAN-only collections) or an 8/11 character code.
func ValidateBIC(bic string) error {
	if bic == "" {
		return nil
	}
	if len(bic) != 8 && len(bic) != 11 {
		return invalid("bic", "BIC must have 8 or 11 characters")
	}
	for i, r := range bic {
		isLetter := r >= 'A' && r <= 'Z'
		isDigit := r >= '0' && r <= '9'
		if i < 6 && !isLetter {
			return invalid("bic", "BIC institution and country code must be letters")
		}
		if !isLetter && !isDigit {
			return invalid("bic", "BIC contains invalid character %q", r)
		}
	}
	return nil
}

// MaskIBAN keeps the country code and the last four characters for log output.
func MaskIBAN(iban string) string {
	if len(iban) <= 6 {
		return "****"
	}
	return iban[:2] + strings.Repeat("*", len(iban)-6) + iban[len(iban)-4:]
}
