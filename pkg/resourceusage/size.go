package resourceusage

import (
	"strconv"
	"strings"

	"github.com/artemis-ops/artemis-keeper/pkg/errors"
)

var sizeUnits = map[string]uint64{
	"":   1,
	"B":  1,
	"KB": 1 << 10,
	"MB": 1 << 20,
	"GB": 1 << 30,
	"K":  1 << 10,
	"M":  1 << 20,
	"G":  1 << 30,
}

// ParseMemorySize parses a human-readable size such as "512MB", "1G" or
// "1048576" into bytes. An empty string parses to zero (no limit).
func ParseMemorySize(value string) (uint64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}

	numEnd := len(value)
	for i, r := range value {
		if (r < '0' || r > '9') && r != '.' {
			numEnd = i
			break
		}
	}

	numPart := value[:numEnd]
	unitPart := strings.ToUpper(strings.TrimSpace(value[numEnd:]))

	multiplier, ok := sizeUnits[unitPart]
	if !ok {
		return 0, errors.NewValidationError("unknown memory size unit", nil).WithContext("value", value).WithContext("unit", unitPart)
	}

	num, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, errors.NewValidationError("invalid memory size", err).WithContext("value", value)
	}
	if num < 0 {
		return 0, errors.NewValidationError("memory size cannot be negative", nil).WithContext("value", value)
	}

	return uint64(num * float64(multiplier)), nil
}

// FormatMemorySize renders a byte count the way it is written in ecosystem
// files, using the largest unit that divides evenly.
func FormatMemorySize(bytes uint64) string {
	switch {
	case bytes == 0:
		return "0"
	case bytes%(1<<30) == 0:
		return strconv.FormatUint(bytes>>30, 10) + "GB"
	case bytes%(1<<20) == 0:
		return strconv.FormatUint(bytes>>20, 10) + "MB"
	case bytes%(1<<10) == 0:
		return strconv.FormatUint(bytes>>10, 10) + "KB"
	default:
		return strconv.FormatUint(bytes, 10) + "B"
	}
}
