package position

import "fmt"

// DetectRebalanceNeeded reports whether an ordered set of keys is close
// enough to the length limit that the caller should schedule a Rebalance.
// Insertion itself never rebalances; this is a maintenance signal.
func DetectRebalanceNeeded(keys []string) bool {
	for _, k := range keys {
		if len(k) >= rebalanceLength {
			return true
		}
	}
	return false
}

// Rebalance regenerates an entire ordered key set with short, evenly spaced
// keys, preserving relative order. keys must be strictly increasing.
func Rebalance(keys []string) ([]string, error) {
	n := len(keys)
	if n == 0 {
		return nil, nil
	}
	for i, k := range keys {
		if err := Validate(k); err != nil {
			return nil, err
		}
		if i > 0 && keys[i-1] >= k {
			return nil, fmt.Errorf("%w: %q >= %q at %d", ErrOrder, keys[i-1], k, i)
		}
	}
	return Spread(n), nil
}

// Spread returns n strictly increasing keys spaced evenly across the key
// space, each at the minimal fixed width that leaves room between neighbors.
func Spread(n int) []string {
	base := uint64(len(digits))

	// Smallest width whose key space fits n items with slack between slots.
	width := 1
	total := base
	for total < 2*uint64(n+1) {
		width++
		total *= base
	}

	out := make([]string, n)
	for i := 0; i < n; i++ {
		v := uint64(i+1) * total / uint64(n+1)
		out[i] = trimZeros(encodeFixed(v, width))
	}
	return out
}

func encodeFixed(v uint64, width int) string {
	base := uint64(len(digits))
	b := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		b[i] = digits[v%base]
		v /= base
	}
	return string(b)
}

// trimZeros drops trailing zero digits; fixed-width order is preserved and
// the no-trailing-zero invariant restored.
func trimZeros(key string) string {
	i := len(key)
	for i > 1 && key[i-1] == digits[0] {
		i--
	}
	return key[:i]
}
