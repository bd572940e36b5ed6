package entities

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownType indicates an entity type outside the supported vocabulary.
var ErrUnknownType = errors.New("entities: unknown entity type")

var payloadFactories = map[Type]func() Payload{
	TypeProfile:        func() Payload { return &ProfilePayload{} },
	TypeFeedLog:        func() Payload { return &FeedLogPayload{} },
	TypeSleepLog:       func() Payload { return &SleepLogPayload{} },
	TypeNappyLog:       func() Payload { return &NappyLogPayload{} },
	TypeSolidsLog:      func() Payload { return &SolidsLogPayload{} },
	TypeGrowthLog:      func() Payload { return &GrowthLogPayload{} },
	TypeBathLog:        func() Payload { return &BathLogPayload{} },
	TypeMedicationLog:  func() Payload { return &MedicationLogPayload{} },
	TypePumpingLog:     func() Payload { return &PumpingLogPayload{} },
	TypeActivityLog:    func() Payload { return &ActivityLogPayload{} },
	TypeFoodType:       func() Payload { return &FoodTypePayload{} },
	TypeMedicationType: func() Payload { return &MedicationTypePayload{} },
}

// Known reports whether t names a supported entity kind.
func (t Type) Known() bool {
	_, ok := payloadFactories[t]
	return ok
}

// IsCatalog reports whether t is keyed by user rather than baby.
func (t Type) IsCatalog() bool {
	return t == TypeFoodType || t == TypeMedicationType
}

// DecodePayload parses raw into the typed payload for t and validates it for create and update.
// An empty or null payload decodes as an empty object.
func DecodePayload(t Type, op Op, raw json.RawMessage) (Payload, error) {
	factory, ok := payloadFactories[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	payload := factory()
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if err := json.Unmarshal(trimmed, payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	if op == OpDelete {
		return payload, nil
	}
	if err := payload.Validate(op); err != nil {
		return nil, err
	}
	return payload, nil
}
