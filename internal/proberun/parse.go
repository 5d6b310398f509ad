package proberun

import (
	"regexp"
	"strconv"
	"strings"
)

// Matches both the Linux iputils summary
//
//	rtt min/avg/max/mdev = 10.726/11.434/12.233/0.541 ms
//
// and the BSD/macOS variant
//
//	round-trip min/avg/max/stddev = 10.726/11.434/12.233/0.541 ms
var rttLine = regexp.MustCompile(`(?m)^(?:rtt|round-trip) min/avg/max(?:/(?:mdev|stddev))? = ([0-9.]+)/([0-9.]+)/([0-9.]+)`)

func parsePingOutput(raw string) (*PingResult, bool) {
	match := rttLine.FindStringSubmatch(raw)
	if match == nil {
		return nil, false
	}
	min, err1 := strconv.ParseFloat(match[1], 64)
	avg, err2 := strconv.ParseFloat(match[2], 64)
	max, err3 := strconv.ParseFloat(match[3], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return nil, false
	}
	return &PingResult{AvgMs: avg, MinMs: min, MaxMs: max}, true
}

func looksUnreachable(raw string) bool {
	lower := strings.ToLower(raw)
	for _, marker := range []string{
		"100% packet loss",
		"100.0% packet loss",
		"destination host unreachable",
		"network is unreachable",
		"no route to host",
		"unknown host",
		"name or service not known",
		"cannot resolve",
		"temporary failure in name resolution",
	} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
