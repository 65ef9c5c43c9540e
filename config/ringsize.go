package config

import (
	"fmt"
	"strconv"
	"strings"
)

// ringSizeMultipliers maps the three suffixes the original accepts to
// their byte multipliers.
var ringSizeMultipliers = map[string]uint64{
	"KiB": 1 << 10,
	"MiB": 1 << 20,
	"GiB": 1 << 30,
}

// ErrRingSizeSyntax is returned by ParseRingSize when the suffix is
// missing or unrecognized.
var ErrRingSizeSyntax = fmt.Errorf("syntax error in ring size parameter")

// ParseRingSize parses a ring-size flag value like "2MiB" into a byte
// count. The numeric prefix is decimal; the suffix selects the
// multiplier. A missing or unknown suffix is fatal, per spec.md §6.
func ParseRingSize(s string) (uint64, error) {
	for suffix, mult := range ringSizeMultipliers {
		if strings.HasSuffix(s, suffix) {
			numPart := strings.TrimSuffix(s, suffix)
			n, err := strconv.ParseUint(numPart, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("%w: %q", ErrRingSizeSyntax, s)
			}
			return n * mult, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrRingSizeSyntax, s)
}
