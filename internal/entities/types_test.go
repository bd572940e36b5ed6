package entities

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"
)

func TestTimestampUnmarshalAcceptsMillisAndRFC3339(t *testing.T) {
	testCases := []struct {
		name     string
		raw      string
		expected int64
	}{
		{name: "millis", raw: `1700000000123`, expected: 1700000000123},
		{name: "millis-string", raw: `"1700000000123"`, expected: 1700000000123},
		{name: "rfc3339", raw: `"2023-11-14T22:13:20Z"`, expected: 1700000000000},
		{name: "rfc3339-nano", raw: `"2023-11-14T22:13:20.5Z"`, expected: 1700000000500},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			var ts Timestamp
			if err := json.Unmarshal([]byte(testCase.raw), &ts); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ts.Millis() != testCase.expected {
				t.Fatalf("expected %d, got %d", testCase.expected, ts.Millis())
			}
		})
	}
}

func TestTimestampUnmarshalRejectsGarbage(t *testing.T) {
	for _, raw := range []string{`"yesterday"`, `-5`, `true`} {
		var ts Timestamp
		err := json.Unmarshal([]byte(raw), &ts)
		if !errors.Is(err, ErrInvalidTimestamp) {
			t.Fatalf("expected invalid timestamp for %s, got %v", raw, err)
		}
	}
}

func TestTimestampUnmarshalTreatsZeroAndEmptyAsUnset(t *testing.T) {
	for _, raw := range []string{`0`, `""`, `"  "`, `"0"`} {
		ts := Timestamp(42)
		if err := json.Unmarshal([]byte(raw), &ts); err != nil {
			t.Fatalf("unexpected error for %s: %v", raw, err)
		}
		if ts.Millis() != 0 {
			t.Fatalf("expected zero timestamp for %s, got %d", raw, ts.Millis())
		}
	}
}

func TestTimestampUnmarshalSaturatesHugeValues(t *testing.T) {
	for _, raw := range []string{`1e20`, `1e400`, `"99999999999999999999"`} {
		var ts Timestamp
		if err := json.Unmarshal([]byte(raw), &ts); err != nil {
			t.Fatalf("unexpected error for %s: %v", raw, err)
		}
		if ts.Millis() != math.MaxInt64 {
			t.Fatalf("expected %s to saturate, got %d", raw, ts.Millis())
		}
	}
}

func TestBabyIDAcceptsNumberOrString(t *testing.T) {
	var payload struct {
		A BabyID `json:"a"`
		B BabyID `json:"b"`
	}
	if err := json.Unmarshal([]byte(`{"a":42,"b":"7"}`), &payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payload.A != 42 || payload.B != 7 {
		t.Fatalf("unexpected ids: %d %d", payload.A, payload.B)
	}
	if _, err := ParseBabyID("0"); !errors.Is(err, ErrInvalidBabyID) {
		t.Fatalf("expected zero to be rejected, got %v", err)
	}
	if _, err := ParseBabyID("abc"); !errors.Is(err, ErrInvalidBabyID) {
		t.Fatalf("expected text to be rejected, got %v", err)
	}
}

func TestTrackingStampNeverMovesBackwards(t *testing.T) {
	tracking := Tracking{}
	tracking.Stamp(2000)
	if tracking.CreatedAtMillis != 2000 || tracking.UpdatedAtMillis != 2000 {
		t.Fatalf("expected first stamp to set both timestamps, got %+v", tracking)
	}
	tracking.Stamp(1500)
	if tracking.UpdatedAtMillis != 2000 {
		t.Fatalf("expected updatedAt to stay at 2000, got %d", tracking.UpdatedAtMillis)
	}
	tracking.Stamp(3000)
	if tracking.UpdatedAtMillis != 3000 || tracking.CreatedAtMillis != 2000 {
		t.Fatalf("unexpected tracking after newer stamp: %+v", tracking)
	}
}

func TestNewTimestampRoundTripsTime(t *testing.T) {
	instant := time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)
	if got := NewTimestamp(instant).Time(); !got.Equal(instant) {
		t.Fatalf("expected %s, got %s", instant, got)
	}
}
