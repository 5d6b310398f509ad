package util

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var bytesPattern = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)([a-z]+)?$`)

// ParseBytes parses a size string (e.g., "200MB", "1500KB") and returns bytes.
func ParseBytes(input string) (int64, error) {
	s := strings.TrimSpace(strings.ToLower(input))
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return 0, errors.New("bytes value is empty")
	}

	match := bytesPattern.FindStringSubmatch(s)
	if match == nil {
		return 0, fmt.Errorf("invalid bytes value %q", input)
	}

	value, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid bytes value %q", input)
	}
	if value < 0 {
		return 0, errors.New("bytes value must be >= 0")
	}

	unit := match[2]
	if unit == "" || unit == "b" {
		return int64(math.Round(value)), nil
	}

	switch unit {
	case "kb":
		return int64(math.Round(value * 1e3)), nil
	case "mb":
		return int64(math.Round(value * 1e6)), nil
	case "gb":
		return int64(math.Round(value * 1e9)), nil
	case "kib":
		return int64(math.Round(value * 1024)), nil
	case "mib":
		return int64(math.Round(value * 1024 * 1024)), nil
	case "gib":
		return int64(math.Round(value * 1024 * 1024 * 1024)), nil
	default:
		return 0, fmt.Errorf("unknown bytes unit %q", unit)
	}
}
