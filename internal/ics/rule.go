package ics

import (
	"sort"
	"strconv"
	"strings"
)

// RuleParts is a decoded RRULE value: uppercased part name to raw value.
type RuleParts map[string]string

// ruleOrder is the serialization order for known parts; anything else is
// appended alphabetically.
var ruleOrder = []string{
	"FREQ", "INTERVAL", "COUNT", "UNTIL",
	"BYSECOND", "BYMINUTE", "BYHOUR", "BYDAY", "BYMONTHDAY",
	"BYYEARDAY", "BYWEEKNO", "BYMONTH", "BYSETPOS", "WKST",
}

// ParseRule decodes "FREQ=WEEKLY;BYDAY=MO" into RuleParts. A leading
// "RRULE:" is tolerated. Empty parts and parts without '=' are skipped.
func ParseRule(value string) RuleParts {
	v := strings.TrimSpace(value)
	if rest, ok := cutPrefixFold(v, "RRULE:"); ok {
		v = rest
	}
	parts := RuleParts{}
	for _, seg := range strings.Split(v, ";") {
		k, val, ok := strings.Cut(seg, "=")
		if !ok {
			continue
		}
		k = strings.ToUpper(strings.TrimSpace(k))
		val = strings.TrimSpace(val)
		if k == "" || val == "" {
			continue
		}
		parts[k] = val
	}
	return parts
}

// Freq returns the uppercased FREQ part.
func (r RuleParts) Freq() string {
	return strings.ToUpper(r["FREQ"])
}

// Count returns COUNT if present and positive.
func (r RuleParts) Count() (int, bool) {
	n, err := strconv.Atoi(r["COUNT"])
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// Until returns the raw UNTIL token.
func (r RuleParts) Until() (string, bool) {
	v, ok := r["UNTIL"]
	return v, ok && v != ""
}

// String serializes the parts in a stable order.
func (r RuleParts) String() string {
	return r.format(nil)
}

// Without serializes the parts omitting the named keys.
func (r RuleParts) Without(keys ...string) string {
	skip := make(map[string]bool, len(keys))
	for _, k := range keys {
		skip[strings.ToUpper(k)] = true
	}
	return r.format(skip)
}

func (r RuleParts) format(skip map[string]bool) string {
	if len(r) == 0 {
		return ""
	}
	seen := make(map[string]bool, len(r))
	out := make([]string, 0, len(r))
	for _, k := range ruleOrder {
		if v, ok := r[k]; ok && !skip[k] {
			out = append(out, k+"="+v)
		}
		seen[k] = true
	}
	rest := make([]string, 0)
	for k := range r {
		if !seen[k] && !skip[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		out = append(out, k+"="+r[k])
	}
	return strings.Join(out, ";")
}
