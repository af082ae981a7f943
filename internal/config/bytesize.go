package config

import (
	"fmt"
	"strconv"
	"strings"
)

// sizeSuffixes is ordered so that "MIB" is tried before "B"-only matches.
var sizeSuffixes = []struct {
	suffix string
	mult   int64
}{
	{"KIB", 1 << 10},
	{"MIB", 1 << 20},
	{"GIB", 1 << 30},
	{"KB", 1000},
	{"MB", 1000 * 1000},
	{"GB", 1000 * 1000 * 1000},
	{"B", 1},
}

// ParseByteSize parses sizes such as "512", "64KB" or "1MiB".
func ParseByteSize(s string) (int64, error) {
	in := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "_", ""))
	if in == "" {
		return 0, fmt.Errorf("empty size")
	}

	mult := int64(1)
	for _, sf := range sizeSuffixes {
		if strings.HasSuffix(in, sf.suffix) {
			mult = sf.mult
			in = strings.TrimSpace(strings.TrimSuffix(in, sf.suffix))
			break
		}
	}

	n, err := strconv.ParseInt(in, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if n > (1<<63-1)/mult {
		return 0, fmt.Errorf("size overflow %q", s)
	}
	return n * mult, nil
}
