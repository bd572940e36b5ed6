package entities

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Type enumerates the entity kinds a mutation may target.
type Type string

const (
	TypeProfile        Type = "profile"
	TypeFeedLog        Type = "feed_log"
	TypeSleepLog       Type = "sleep_log"
	TypeNappyLog       Type = "nappy_log"
	TypeSolidsLog      Type = "solids_log"
	TypeGrowthLog      Type = "growth_log"
	TypeBathLog        Type = "bath_log"
	TypeMedicationLog  Type = "medication_log"
	TypePumpingLog     Type = "pumping_log"
	TypeActivityLog    Type = "activity_log"
	TypeFoodType       Type = "food_type"
	TypeMedicationType Type = "medication_type"
)

// String returns the wire name of the entity type.
func (t Type) String() string {
	return string(t)
}

// Op enumerates mutation operations.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Valid reports whether the operation is one of create, update or delete.
func (op Op) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	default:
		return false
	}
}

const maxIdentifierLength = 190

var (
	// ErrInvalidBabyID indicates that a baby identifier is not a positive integer.
	ErrInvalidBabyID = errors.New("entities: invalid baby id")
	// ErrInvalidEntityID indicates that an entity identifier is empty or exceeds storage bounds.
	ErrInvalidEntityID = errors.New("entities: invalid entity id")
	// ErrInvalidTimestamp indicates that a timestamp is neither unix milliseconds nor RFC 3339.
	ErrInvalidTimestamp = errors.New("entities: invalid timestamp")
	// ErrInvalidPayload indicates that a mutation payload failed validation.
	ErrInvalidPayload = errors.New("entities: invalid payload")
)

// BabyID is the canonical numeric key of a baby profile.
type BabyID int64

// ParseBabyID validates a decimal string and returns a BabyID.
func ParseBabyID(rawInput string) (BabyID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidBabyID)
	}
	value, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil || value <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidBabyID, trimmed)
	}
	return BabyID(value), nil
}

// Int64 exposes the raw key.
func (id BabyID) Int64() int64 {
	return int64(id)
}

// String renders the key in decimal.
func (id BabyID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// UnmarshalJSON accepts either a JSON number or a numeric string.
func (id *BabyID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidBabyID, err)
		}
		parsed, err := ParseBabyID(text)
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	}
	parsed, err := ParseBabyID(string(trimmed))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ValidateEntityID checks a client-generated entity identifier.
func ValidateEntityID(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEntityID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidEntityID, maxIdentifierLength)
	}
	return trimmed, nil
}

// Timestamp is an instant carried as unix milliseconds.
type Timestamp int64

// NewTimestamp converts a time into a Timestamp.
func NewTimestamp(value time.Time) Timestamp {
	return Timestamp(value.UnixMilli())
}

// Millis exposes the raw unix millisecond value.
func (ts Timestamp) Millis() int64 {
	return int64(ts)
}

// Time converts the timestamp back to UTC time.
func (ts Timestamp) Time() time.Time {
	return time.UnixMilli(int64(ts)).UTC()
}

// MaxInstantMillis is the last millisecond of year 9999, the latest instant a payload field may name.
const MaxInstantMillis = 253402300799999

// UnmarshalJSON accepts unix milliseconds or an RFC 3339 string. Zero and the empty string decode
// to the zero Timestamp, which readers treat as unset. Values beyond int64 saturate.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
		}
		if strings.TrimSpace(text) == "" {
			*ts = 0
			return nil
		}
		parsed, err := ParseTimestamp(text)
		if err != nil {
			return err
		}
		*ts = parsed
		return nil
	}
	value, err := strconv.ParseFloat(string(trimmed), 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return fmt.Errorf("%w: %s", ErrInvalidTimestamp, trimmed)
	}
	switch {
	case math.IsNaN(value) || value < 0:
		return fmt.Errorf("%w: %s", ErrInvalidTimestamp, trimmed)
	case value >= math.MaxInt64:
		*ts = Timestamp(math.MaxInt64)
	default:
		*ts = Timestamp(int64(value))
	}
	return nil
}

// ParseTimestamp parses an RFC 3339 string or a decimal millisecond string.
// "0" parses to the zero Timestamp; decimals beyond int64 saturate.
func ParseTimestamp(rawInput string) (Timestamp, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidTimestamp)
	}
	millis, err := strconv.ParseInt(trimmed, 10, 64)
	switch {
	case err == nil && millis < 0:
		return 0, fmt.Errorf("%w: %d", ErrInvalidTimestamp, millis)
	case err == nil:
		return Timestamp(millis), nil
	case errors.Is(err, strconv.ErrRange) && !strings.HasPrefix(trimmed, "-"):
		return Timestamp(math.MaxInt64), nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, trimmed)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimestamp, trimmed)
	}
	return NewTimestamp(parsed), nil
}
