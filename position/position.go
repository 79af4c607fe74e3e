// Package position generates lexicographically sortable fractional keys for
// reorderable items. Between any two keys there is always another key, and
// generating it never touches the rest of the list.
//
// Keys are case-sensitive base-62 strings over 0-9A-Za-z, which is ASCII
// order, so plain string comparison is the total order. A key never ends in
// the zero digit; with that rule every pair of distinct keys has a midpoint.
package position

import (
	"errors"
	"fmt"
	"strings"
)

const digits = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

const (
	// MaxLength bounds runaway key growth. Validate rejects longer keys.
	MaxLength = 128

	// rebalanceLength is the key length at which DetectRebalanceNeeded
	// starts signalling. Leaves headroom before MaxLength is hit mid-insert.
	rebalanceLength = 96
)

var (
	ErrInvalid   = errors.New("position: invalid key")
	ErrOrder     = errors.New("position: bounds out of order")
	ErrExhausted = errors.New("position: precision exhausted")
)

// Initial returns the seed key for an empty list. Deterministic.
func Initial() string {
	return string(digits[len(digits)/2])
}

// Validate rejects empty keys, non-alphanumeric characters, trailing zero
// digits, and keys beyond MaxLength.
func Validate(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalid)
	}
	if len(key) > MaxLength {
		return fmt.Errorf("%w: %d chars exceeds max %d", ErrInvalid, len(key), MaxLength)
	}
	for i := 0; i < len(key); i++ {
		if strings.IndexByte(digits, key[i]) < 0 {
			return fmt.Errorf("%w: character %q at %d", ErrInvalid, key[i], i)
		}
	}
	if key[len(key)-1] == digits[0] {
		return fmt.Errorf("%w: trailing zero digit", ErrInvalid)
	}
	return nil
}

// Compare is the total order over keys. Negative, zero or positive as a is
// before, equal to, or after b.
func Compare(a, b string) int {
	return strings.Compare(a, b)
}

// Between returns a key strictly between before and after. Either bound may
// be empty, meaning unbounded on that side. O(len(key)), independent of how
// many other items exist.
//
// An unbounded side steps instead of bisecting: appending and prepending are
// the common cases and must not eat precision the way repeated midpoints do.
func Between(before, after string) (string, error) {
	if before != "" {
		if err := Validate(before); err != nil {
			return "", err
		}
	}
	if after != "" {
		if err := Validate(after); err != nil {
			return "", err
		}
	}
	if before != "" && after != "" && before >= after {
		return "", fmt.Errorf("%w: %q >= %q", ErrOrder, before, after)
	}

	var key string
	switch {
	case before == "" && after == "":
		key = Initial()
	case after == "":
		key = next(before)
	case before == "":
		key = prev(after)
	default:
		key = midpoint(before, after)
	}
	if len(key) > MaxLength {
		return "", fmt.Errorf("%w: key between %q and %q needs %d chars", ErrExhausted, before, after, len(key))
	}
	return key, nil
}

// next returns the smallest natural successor of a: increment the rightmost
// incrementable digit and drop everything after it. Keys shrink back toward
// single digits as a list grows by appends.
func next(a string) string {
	if a == "" {
		return Initial()
	}
	for i := len(a) - 1; i >= 0; i-- {
		d := strings.IndexByte(digits, a[i])
		if d < len(digits)-1 {
			return a[:i] + string(digits[d+1])
		}
	}
	// Every digit is the maximum; extend.
	return a + string(digits[1])
}

// prev returns a natural predecessor of b: decrement the last digit, or when
// it is already the smallest valid digit, descend one level.
func prev(b string) string {
	d := strings.IndexByte(digits, b[len(b)-1])
	if d > 1 {
		return b[:len(b)-1] + string(digits[d-1])
	}
	// Last digit is "1": 1 -> 0z keeps the key below b without a trailing zero.
	return b[:len(b)-1] + string(digits[0]) + string(digits[len(digits)-1])
}

// After returns a key strictly greater than p.
func After(p string) (string, error) {
	return Between(p, "")
}

// Before returns a key strictly less than p.
func Before(p string) (string, error) {
	return Between("", p)
}

// midpoint returns a key strictly between a and b, where "" means the lower
// (for a) or upper (for b) bound of the key space. Assumes a < b when both
// are set and neither ends in the zero digit.
func midpoint(a, b string) string {
	if b != "" {
		// Strip the longest common prefix and recurse on the remainder.
		n := 0
		for n < len(b) && digitAt(a, n) == b[n] {
			n++
		}
		if n > 0 {
			return b[:n] + midpoint(skip(a, n), b[n:])
		}
	}

	da := 0
	if a != "" {
		da = strings.IndexByte(digits, a[0])
	}
	db := len(digits)
	if b != "" {
		db = strings.IndexByte(digits, b[0])
	}
	if db-da > 1 {
		return string(digits[(da+db+1)/2])
	}

	// Adjacent first digits. Either descend into b's remainder or extend a.
	if len(b) > 1 {
		return b[:1]
	}
	return string(digits[da]) + midpoint(skip(a, 1), "")
}

// digitAt reads key[i], treating positions past the end as the zero digit.
func digitAt(key string, i int) byte {
	if i < len(key) {
		return key[i]
	}
	return digits[0]
}

func skip(key string, n int) string {
	if n >= len(key) {
		return ""
	}
	return key[n:]
}
