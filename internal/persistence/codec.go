package persistence

import (
	"encoding/json"
	"time"
)

// EncodeData serializes work item object data. Nil data is stored as NULL.
func EncodeData(data map[string]any) ([]byte, error) {
	if data == nil {
		return nil, nil
	}
	return json.Marshal(data)
}

// DecodeData is the inverse of EncodeData. Numbers come back as float64.
func DecodeData(raw []byte) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// unixNanos maps a possibly nil time to the integer column representation;
// zero means unset.
func unixNanos(t *time.Time) int64 {
	if t == nil || t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNanos(n int64) *time.Time {
	if n == 0 {
		return nil
	}
	t := time.Unix(0, n)
	return &t
}
