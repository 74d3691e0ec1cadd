package bookingsync

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// flexAmount decodes a money amount sent either as a JSON number or a string
// such as "$1,250.00". Anything unparseable becomes zero.
type flexAmount struct {
	decimal.Decimal
}

func (a *flexAmount) UnmarshalJSON(b []byte) error {
	a.Decimal = sanitizeAmount(unquote(b))
	return nil
}

// sanitizeAmount reads plain numbers (exponents included) as they are.
// Otherwise it drops currency symbols, letters and thousands separators and
// keeps a minus sign seen before the first digit.
func sanitizeAmount(s string) decimal.Decimal {
	s = strings.TrimSpace(s)
	if d, err := decimal.NewFromString(s); err == nil {
		return d
	}
	var (
		b        strings.Builder
		negative bool
		digits   bool
	)
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits = true
			b.WriteRune(r)
		case r == '.':
			b.WriteRune(r)
		case r == '-' && !digits:
			negative = true
		}
	}
	if !digits {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(b.String())
	if err != nil {
		return decimal.Zero
	}
	if negative {
		return d.Neg()
	}
	return d
}

// flexString accepts a JSON string or number (Beds24 ids are numbers).
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	*s = flexString(strings.TrimSpace(unquote(b)))
	return nil
}

// flexInt accepts a JSON number or numeric string; anything else is zero.
type flexInt int

func (n *flexInt) UnmarshalJSON(b []byte) error {
	v := strings.TrimSpace(unquote(b))
	if v == "" {
		*n = 0
		return nil
	}
	if i, err := strconv.Atoi(v); err == nil {
		*n = flexInt(i)
		return nil
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		*n = flexInt(int(f))
		return nil
	}
	*n = 0
	return nil
}

func unquote(b []byte) string {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return ""
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err == nil {
			return s
		}
	}
	return string(b)
}
