// Copyright 2025 The PyTroll Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package message

import (
	"fmt"
	"time"
)

// Timestamp layouts on the wire. V102 always carries a numeric zone
// offset, V101 is naive UTC. Decoding is permissive and accepts both,
// with or without fractional seconds, and returns times in UTC.
const (
	layoutAware = "2006-01-02T15:04:05.000000-07:00"
	layoutNaive = "2006-01-02T15:04:05.000000"
)

var parseLayouts = []string{
	"2006-01-02T15:04:05.999999-07:00",
	"2006-01-02T15:04:05.999999Z07:00",
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05-07:00",
	"2006-01-02T15:04:05",
}

func encodeTime(t time.Time, version string) string {
	if version <= V101 {
		return t.UTC().Format(layoutNaive)
	}
	return t.Format(layoutAware)
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range parseLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

// encodeTimes walks a payload value and converts time.Time values to
// their ISO string form so that json.Marshal can handle them.
func encodeTimes(v interface{}, version string) interface{} {
	switch val := v.(type) {
	case time.Time:
		return encodeTime(val, version)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = encodeTimes(item, version)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = encodeTimes(item, version)
		}
		return out
	default:
		return v
	}
}

// decodeTimes walks a decoded JSON value and converts ISO formatted
// strings back to time.Time values.
func decodeTimes(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		if looksLikeTime(val) {
			if t, err := parseTime(val); err == nil {
				return t
			}
		}
		return val
	case map[string]interface{}:
		for k, item := range val {
			val[k] = decodeTimes(item)
		}
		return val
	case []interface{}:
		for i, item := range val {
			val[i] = decodeTimes(item)
		}
		return val
	default:
		return v
	}
}

func looksLikeTime(s string) bool {
	if len(s) < 19 || len(s) > 32 {
		return false
	}
	return s[4] == '-' && s[7] == '-' && s[10] == 'T' && s[13] == ':'
}
