package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Timestamp accepts the two timestamp encodings seen at the API boundary:
// epoch milliseconds (numbers) and RFC 3339 / ISO-8601 (strings). Different
// worker integrations report time differently; everything past the boundary
// is a UTC time.Time, and serialization is always RFC 3339.
type Timestamp struct {
	time.Time
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		t.Time = time.UnixMilli(int64(v)).UTC()
		return nil
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return fmt.Errorf("parse timestamp %q: %w", v, err)
		}
		t.Time = parsed.UTC()
		return nil
	default:
		return fmt.Errorf("unsupported timestamp type %T", raw)
	}
}
