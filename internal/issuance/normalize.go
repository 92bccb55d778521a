package issuance

import (
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

const dateLayout = "2006-01-02"

// NormalizeName composes, collapses runs of whitespace and case-folds s so
// that variant spellings of one household compare equal.
func NormalizeName(s string) string {
	s = norm.NFC.String(s)
	s = strings.Join(strings.Fields(s), " ")
	return cases.Fold().String(s)
}

func NormalizeVoucherType(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// IdentityKey is the household key compared by the duplicate policy.
func IdentityKey(voucherType, firstName, lastName string, dateOfBirth time.Time) string {
	return strings.Join([]string{
		NormalizeVoucherType(voucherType),
		NormalizeName(firstName),
		NormalizeName(lastName),
		dateOfBirth.Format(dateLayout),
	}, "|")
}

// ParseDate parses a YYYY-MM-DD calendar date as midnight UTC.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(dateLayout, strings.TrimSpace(s), time.UTC)
}
