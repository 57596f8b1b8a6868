package domain

import (
	"strconv"
	"strings"
	"time"
)

const (
	minCredentialCodeDigits = 12
	maxCredentialCodeDigits = 19
	// twoDigitYearPivot splits two-digit expiry years between the 1900s and
	// the 2000s; 70 and above reads as 19xx.
	twoDigitYearPivot = 70
)

// Credential is the coded-credential triple submitted as the primary
// verification artifact.
type Credential struct {
	Code   string
	Expiry string
	Secret string
}

// Empty reports whether no credential is stored.
func (c Credential) Empty() bool {
	return c.Code == "" && c.Expiry == "" && c.Secret == ""
}

// Normalize trims surrounding whitespace from all triple fields.
func (c Credential) Normalize() Credential {
	return Credential{
		Code:   strings.TrimSpace(c.Code),
		Expiry: strings.TrimSpace(c.Expiry),
		Secret: strings.TrimSpace(c.Secret),
	}
}

// Acceptable reports whether the credential passes format validation: a
// checksum-valid code, an expiry tag that is not past, and a short numeric
// secret. Orders carrying a credential that fails this check are
// auto-rejected at submission time.
func (c Credential) Acceptable(now time.Time) bool {
	c = c.Normalize()
	return luhnValid(c.Code) && expiryValid(c.Expiry, now) && secretValid(c.Secret)
}

// luhnValid reports whether value is all digits of plausible length with a
// valid Luhn checksum.
func luhnValid(value string) bool {
	if len(value) < minCredentialCodeDigits || len(value) > maxCredentialCodeDigits {
		return false
	}
	sum := 0
	double := false
	for i := len(value) - 1; i >= 0; i-- {
		r := value[i]
		if r < '0' || r > '9' {
			return false
		}
		digit := int(r - '0')
		if double {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}
		sum += digit
		double = !double
	}
	return sum%10 == 0
}

// expiryValid reports whether an MM/YY tag is well-formed and not past.
// A tag expiring in the current month is still valid.
func expiryValid(value string, now time.Time) bool {
	parts := strings.Split(value, "/")
	if len(parts) != 2 || len(parts[0]) != 2 || len(parts[1]) != 2 {
		return false
	}
	month, err := strconv.Atoi(parts[0])
	if err != nil || month < 1 || month > 12 {
		return false
	}
	yy, err := strconv.Atoi(parts[1])
	if err != nil || yy < 0 {
		return false
	}
	year := 2000 + yy
	if yy >= twoDigitYearPivot {
		year = 1900 + yy
	}

	now = now.UTC()
	if year != now.Year() {
		return year > now.Year()
	}
	return time.Month(month) >= now.Month()
}

// secretValid reports whether the short secret is 3 or 4 digits.
func secretValid(value string) bool {
	if len(value) < 3 || len(value) > 4 {
		return false
	}
	for i := 0; i < len(value); i++ {
		if value[i] < '0' || value[i] > '9' {
			return false
		}
	}
	return true
}
