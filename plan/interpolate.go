package plan

import "strings"

// Well-known interpolation tokens substituted with per-node runtime values
// before a workload container starts.
const (
	TokenHostIP     = "HOST_IP"
	TokenPrivateIP  = "PRIVATE_IP"
	TokenStatsdHost = "STATSD_HOST"
	TokenStatsdPort = "STATSD_PORT"
	TokenRunID      = "RUN_ID"
)

// Interpolate substitutes "$TOKEN" occurrences in s with values from vals.
// Substitution is literal string replacement: tokens without a value are left
// as-is rather than treated as an error, so templates can carry tokens this
// version does not know about yet. Input without recognized tokens is
// returned unchanged.
func Interpolate(s string, vals map[string]string) string {
	if s == "" || len(vals) == 0 {
		return s
	}

	pairs := make([]string, 0, len(vals)*2)
	for token, value := range vals {
		pairs = append(pairs, "$"+token, value)
	}
	return strings.NewReplacer(pairs...).Replace(s)
}

// InterpolateMap applies Interpolate to every key and value of m.
func InterpolateMap(m map[string]string, vals map[string]string) map[string]string {
	if len(m) == 0 {
		return m
	}

	out := make(map[string]string, len(m))
	for k, v := range m {
		out[Interpolate(k, vals)] = Interpolate(v, vals)
	}
	return out
}
