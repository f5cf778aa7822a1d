package storage

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/golang-sql/civil"
	"github.com/shopspring/decimal"
)

// NullDate is a nullable calendar date that scans from every driver's DATE
// representation (time.Time for mssql/pgx, TEXT for sqlite).
type NullDate struct {
	Date  civil.Date
	Valid bool
}

// Scan implements sql.Scanner.
func (n *NullDate) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*n = NullDate{}
		return nil
	case time.Time:
		*n = NullDate{Date: civil.DateOf(v), Valid: true}
		return nil
	case string:
		return n.parse(v)
	case []byte:
		return n.parse(string(v))
	default:
		return fmt.Errorf("storage: cannot scan %T into NullDate", src)
	}
}

func (n *NullDate) parse(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		*n = NullDate{}
		return nil
	}
	if len(s) > 10 {
		s = s[:10]
	}
	d, err := civil.ParseDate(s)
	if err != nil {
		return fmt.Errorf("storage: parse date %q: %w", s, err)
	}
	*n = NullDate{Date: d, Valid: true}
	return nil
}

// Value returns the date or nil, for binding through Warehouse methods.
func (n NullDate) Value() any {
	if !n.Valid {
		return nil
	}
	return n.Date
}

// NullTimeOfDay is a nullable wall-clock time (SQL TIME).
type NullTimeOfDay struct {
	Time  civil.Time
	Valid bool
}

// Scan implements sql.Scanner.
func (n *NullTimeOfDay) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*n = NullTimeOfDay{}
		return nil
	case time.Time:
		*n = NullTimeOfDay{Time: civil.TimeOf(v), Valid: true}
		return nil
	case string:
		return n.parse(v)
	case []byte:
		return n.parse(string(v))
	default:
		return fmt.Errorf("storage: cannot scan %T into NullTimeOfDay", src)
	}
}

func (n *NullTimeOfDay) parse(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		*n = NullTimeOfDay{}
		return nil
	}
	t, err := civil.ParseTime(s)
	if err != nil {
		return fmt.Errorf("storage: parse time %q: %w", s, err)
	}
	*n = NullTimeOfDay{Time: t, Valid: true}
	return nil
}

// Value returns the time or nil.
func (n NullTimeOfDay) Value() any {
	if !n.Valid {
		return nil
	}
	return n.Time
}

var decimalTypeRE = regexp.MustCompile(`(?i)^\s*(?:decimal|numeric)\s*\(\s*(\d+)\s*(?:,\s*(\d+)\s*)?\)\s*$`)

// DecimalType parses "DECIMAL(p,s)" / "NUMERIC(p)" column types.
func DecimalType(typ string) (precision, scale int, ok bool) {
	m := decimalTypeRE.FindStringSubmatch(typ)
	if m == nil {
		return 0, 0, false
	}
	precision, _ = strconv.Atoi(m[1])
	if m[2] != "" {
		scale, _ = strconv.Atoi(m[2])
	}
	return precision, scale, true
}

// FitDecimal rounds d to scale and verifies it fits DECIMAL(precision,scale).
//
// Errors:
//   - Returns an error when the integer part needs more than precision-scale
//     digits; the database would reject the value with an arithmetic overflow.
func FitDecimal(d decimal.Decimal, precision, scale int) (decimal.Decimal, error) {
	if precision <= 0 || scale < 0 || scale > precision {
		return decimal.Decimal{}, fmt.Errorf("storage: invalid decimal(%d,%d)", precision, scale)
	}
	r := d.Round(int32(scale))
	limit := decimal.New(1, int32(precision-scale))
	if r.Abs().Cmp(limit) >= 0 {
		return decimal.Decimal{}, fmt.Errorf("storage: value %s overflows decimal(%d,%d)", d.String(), precision, scale)
	}
	return r, nil
}
