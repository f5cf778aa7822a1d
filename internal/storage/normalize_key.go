package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-sql/civil"
	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"
)

// NormalizeKey converts a natural key value to a canonical string form,
// suitable for in-memory cache keys (e.g. "Site Alpha" or "2024-03-15").
//
// Strings are trimmed and NFC-normalized so that visually identical names
// arriving in different Unicode forms map to the same dimension member.
func NormalizeKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return norm.NFC.String(strings.TrimSpace(t))
	case []byte:
		return norm.NFC.String(strings.TrimSpace(string(t)))
	case int64:
		return fmt.Sprintf("%d", t)
	case int:
		return fmt.Sprintf("%d", t)
	case civil.Date:
		return t.String()
	case time.Time:
		return civil.DateOf(t).String()
	case decimal.Decimal:
		return t.String()
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// NormalizeKeyValue is NormalizeKey for values that are bound back into SQL:
// strings come back trimmed and NFC-normalized, everything else unchanged.
func NormalizeKeyValue(v any) any {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(strings.TrimSpace(t))
	case []byte:
		return norm.NFC.String(strings.TrimSpace(string(t)))
	default:
		return v
	}
}
