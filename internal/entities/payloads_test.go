package entities

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestPayloadValidation(t *testing.T) {
	testCases := []struct {
		name    string
		payload Payload
		op      Op
		wantErr bool
	}{
		{
			name:    "feed-create-valid",
			payload: decodeFeed(t, `{"babyId":1,"method":"bottle","amountMl":120,"startedAt":1700000000000}`),
			op:      OpCreate,
		},
		{
			name:    "feed-create-missing-start",
			payload: decodeFeed(t, `{"babyId":1,"method":"bottle"}`),
			op:      OpCreate,
			wantErr: true,
		},
		{
			name:    "feed-unknown-method",
			payload: decodeFeed(t, `{"method":"cup","startedAt":1700000000000}`),
			op:      OpCreate,
			wantErr: true,
		},
		{
			name:    "feed-start-zero",
			payload: decodeFeed(t, `{"method":"bottle","startedAt":0}`),
			op:      OpCreate,
			wantErr: true,
		},
		{
			name:    "feed-start-beyond-calendar",
			payload: decodeFeed(t, `{"method":"bottle","startedAt":1e20}`),
			op:      OpCreate,
			wantErr: true,
		},
		{
			name:    "feed-end-beyond-calendar",
			payload: decodeFeed(t, `{"endedAt":1e20}`),
			op:      OpUpdate,
			wantErr: true,
		},
		{
			name:    "feed-end-cleared",
			payload: decodeFeed(t, `{"startedAt":1700000000000,"endedAt":""}`),
			op:      OpUpdate,
		},
		{
			name:    "feed-update-zero-base",
			payload: decodeFeed(t, `{"notes":"sleepy","updatedAt":0}`),
			op:      OpUpdate,
		},
		{
			name:    "feed-update-partial",
			payload: decodeFeed(t, `{"notes":"sleepy"}`),
			op:      OpUpdate,
		},
		{
			name:    "feed-end-before-start",
			payload: decodeFeed(t, `{"startedAt":1700000000000,"endedAt":1600000000000}`),
			op:      OpUpdate,
			wantErr: true,
		},
		{
			name:    "profile-blank-name-on-update",
			payload: ProfilePayload{Name: pointer("  ")},
			op:      OpUpdate,
			wantErr: true,
		},
		{
			name:    "profile-bad-birth-date",
			payload: ProfilePayload{Name: pointer("Ama"), BirthDate: pointer("01/02/2024")},
			op:      OpCreate,
			wantErr: true,
		},
		{
			name:    "growth-needs-a-measurement",
			payload: GrowthLogPayload{MeasuredAt: timestampPointer(1700000000000)},
			op:      OpCreate,
			wantErr: true,
		},
		{
			name:    "pumping-negative-volume",
			payload: PumpingLogPayload{StartedAt: timestampPointer(1700000000000), LeftMl: floatPointer(-1)},
			op:      OpCreate,
			wantErr: true,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			err := testCase.payload.Validate(testCase.op)
			if testCase.wantErr && !errors.Is(err, ErrInvalidPayload) {
				t.Fatalf("expected invalid payload error, got %v", err)
			}
			if !testCase.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestPatchOnlyTouchesPresentFields(t *testing.T) {
	row := &SleepLog{
		LogBase:         LogBase{ID: "sleep-1", BabyID: 3},
		StartedAtMillis: 1000,
		Location:        "cot",
		Notes:           "first nap",
	}
	payload := SleepLogPayload{EndedAt: timestampPointer(5000), Notes: pointer("woke happy")}
	payload.Patch(row)

	if row.StartedAtMillis != 1000 || row.Location != "cot" {
		t.Fatalf("expected untouched fields to survive, got %+v", row)
	}
	if row.EndedAtMillis == nil || *row.EndedAtMillis != 5000 {
		t.Fatalf("expected endedAt to be set, got %v", row.EndedAtMillis)
	}
	if row.Notes != "woke happy" {
		t.Fatalf("expected notes to update, got %q", row.Notes)
	}
}

func decodeFeed(t *testing.T, raw string) FeedLogPayload {
	t.Helper()
	var payload FeedLogPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	return payload
}

func pointer(value string) *string {
	return &value
}

func floatPointer(value float64) *float64 {
	return &value
}

func timestampPointer(value int64) *Timestamp {
	ts := Timestamp(value)
	return &ts
}

func TestDecodePayloadDispatchesByType(t *testing.T) {
	payload, err := DecodePayload(TypeFeedLog, OpCreate, json.RawMessage(`{"babyId":"3","startedAt":1700000000000,"method":"bottle"}`))
	if err != nil {
		t.Fatalf("decode feed payload: %v", err)
	}
	feed, ok := payload.(*FeedLogPayload)
	if !ok {
		t.Fatalf("unexpected payload type %T", payload)
	}
	if feed.BabyID == nil || feed.BabyID.Int64() != 3 {
		t.Fatalf("unexpected baby id: %v", feed.BabyID)
	}
}

func TestDecodePayloadRejectsUnknownTypeAndInvalidFields(t *testing.T) {
	if _, err := DecodePayload("diary", OpCreate, nil); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
	if _, err := DecodePayload(TypeFeedLog, OpCreate, json.RawMessage(`{"method":"spoon"}`)); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
	if _, err := DecodePayload(TypeFeedLog, OpDelete, json.RawMessage(`null`)); err != nil {
		t.Fatalf("expected delete with null payload to decode, got %v", err)
	}
	if !TypeFoodType.IsCatalog() || TypeFeedLog.IsCatalog() {
		t.Fatalf("unexpected catalog classification")
	}
}
