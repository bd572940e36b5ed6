// Package access owns the caregiver access records and the per-request access resolution.
package access

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Level is the permission tier a caregiver holds on a baby.
type Level string

const (
	LevelOwner  Level = "owner"
	LevelEditor Level = "editor"
	LevelViewer Level = "viewer"
)

// ErrInvalidLevel indicates an unrecognised access level.
var ErrInvalidLevel = errors.New("access: invalid level")

// ParseLevel normalises and validates an access level.
func ParseLevel(raw string) (Level, error) {
	level := Level(strings.ToLower(strings.TrimSpace(raw)))
	switch level {
	case LevelOwner, LevelEditor, LevelViewer:
		return level, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidLevel, raw)
	}
}

// CanEdit reports whether the tier may mutate baby-scoped entities.
func (l Level) CanEdit() bool {
	return l == LevelOwner || l == LevelEditor
}

func (l Level) rank() int {
	switch l {
	case LevelOwner:
		return 3
	case LevelEditor:
		return 2
	case LevelViewer:
		return 1
	default:
		return 0
	}
}

// Record is the single grant a user holds on a baby.
type Record struct {
	UserID            string `gorm:"column:user_id;primaryKey;size:190;not null"`
	BabyID            int64  `gorm:"column:baby_id;primaryKey;not null;index"`
	Level             Level  `gorm:"column:access_level;size:16;not null"`
	GrantedAtSequence int64  `gorm:"column:granted_at_sequence;not null;default:0"`
	CreatedAtMillis   int64  `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis   int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "baby_access"
}

// IDSet is a set of baby ids.
type IDSet map[int64]struct{}

// Has reports membership.
func (s IDSet) Has(id int64) bool {
	_, ok := s[id]
	return ok
}

// Add inserts id.
func (s IDSet) Add(id int64) {
	s[id] = struct{}{}
}

// Sorted returns the members in ascending order.
func (s IDSet) Sorted() []int64 {
	ids := make([]int64, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
