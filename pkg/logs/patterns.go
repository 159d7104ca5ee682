package logs

import (
	"regexp"
	"strconv"
	"strings"
)

// Error-pattern anchors: a message containing one of these is treated as an
// error occurrence and normalized into a pattern key.
var errorAnchors = []string{"Error:", "Exception:", "Failed to", "Cannot", "Unable to", "Timeout"}

var (
	numberRe    = regexp.MustCompile(`\b\d+(\.\d+)?\b`)
	quotedRe    = regexp.MustCompile(`"[^"]*"|'[^']*'`)
	hexIDRe     = regexp.MustCompile(`\b[0-9a-f]{12,64}\b`)
	patternBody = 100
)

// ExtractErrorPattern normalizes an error message into a stable pattern key.
// Returns empty when the message carries no error anchor.
func ExtractErrorPattern(message string) string {
	idx := -1
	for _, anchor := range errorAnchors {
		if i := strings.Index(message, anchor); i >= 0 && (idx < 0 || i < idx) {
			idx = i
		}
	}
	if idx < 0 {
		return ""
	}

	pattern := message[idx:]
	pattern = quotedRe.ReplaceAllString(pattern, "STR")
	pattern = hexIDRe.ReplaceAllString(pattern, "N")
	pattern = numberRe.ReplaceAllString(pattern, "N")
	pattern = strings.Join(strings.Fields(pattern), " ")
	if len(pattern) > patternBody {
		pattern = pattern[:patternBody]
	}
	return pattern
}

// PerfMetric is one performance figure parsed out of a log line
type PerfMetric struct {
	Kind      string  `json:"kind"` // response_time, memory, cpu, throughput
	Value     float64 `json:"value"`
	Unit      string  `json:"unit"`
	Timestamp int64   `json:"timestamp"`
}

var (
	responseTimeRe = regexp.MustCompile(`(?i)(?:response time|latency|duration)\D{0,10}?(\d+(?:\.\d+)?)\s*(ms|s)\b`)
	memoryRe       = regexp.MustCompile(`(?i)memory\D{0,10}?(\d+(?:\.\d+)?)\s*(KB|MB|GB)\b`)
	cpuRe          = regexp.MustCompile(`(?i)cpu\D{0,10}?(\d+(?:\.\d+)?)\s*%`)
	throughputRe   = regexp.MustCompile(`(?i)(requests|queries)\D{0,10}?(\d+(?:\.\d+)?)`)
)

// ExtractPerfMetrics recognizes response-time, memory, cpu, and throughput
// figures in a log line.
func ExtractPerfMetrics(message string, ts int64) []PerfMetric {
	var out []PerfMetric

	if m := responseTimeRe.FindStringSubmatch(message); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			out = append(out, PerfMetric{Kind: "response_time", Value: v, Unit: strings.ToLower(m[2]), Timestamp: ts})
		}
	}
	if m := memoryRe.FindStringSubmatch(message); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			out = append(out, PerfMetric{Kind: "memory", Value: v, Unit: strings.ToUpper(m[2]), Timestamp: ts})
		}
	}
	if m := cpuRe.FindStringSubmatch(message); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			out = append(out, PerfMetric{Kind: "cpu", Value: v, Unit: "%", Timestamp: ts})
		}
	}
	if m := throughputRe.FindStringSubmatch(message); m != nil {
		if v, err := strconv.ParseFloat(m[2], 64); err == nil {
			out = append(out, PerfMetric{Kind: "throughput", Value: v, Unit: strings.ToLower(m[1]), Timestamp: ts})
		}
	}
	return out
}
