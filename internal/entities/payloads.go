package entities

import (
	"fmt"
	"strings"
	"time"
)

// Payload is the typed, validated form of a mutation payload for one entity kind.
type Payload interface {
	Common() PayloadBase
	Validate(op Op) error
}

// PayloadBase carries the fields every payload may include.
// UpdatedAt is the server updatedAt the client was editing from; zero means unknown.
type PayloadBase struct {
	BabyID    *BabyID    `json:"babyId,omitempty"`
	UpdatedAt *Timestamp `json:"updatedAt,omitempty"`
}

// Common returns the shared payload fields.
func (b PayloadBase) Common() PayloadBase {
	return b
}

var (
	feedMethods    = []string{"breast", "bottle"}
	feedSides      = []string{"left", "right", "both"}
	nappyKinds     = []string{"wet", "dirty", "mixed", "dry"}
	solidReactions = []string{"none", "liked", "disliked", "allergic"}
)

type ProfilePayload struct {
	PayloadBase
	Name      *string `json:"name,omitempty"`
	BirthDate *string `json:"birthDate,omitempty"`
	Gender    *string `json:"gender,omitempty"`
	PhotoURL  *string `json:"photoUrl,omitempty"`
}

func (p ProfilePayload) Validate(op Op) error {
	c := newChecker(op)
	c.text("name", p.Name, true)
	if p.BirthDate != nil && strings.TrimSpace(*p.BirthDate) != "" {
		if _, err := time.Parse(time.DateOnly, strings.TrimSpace(*p.BirthDate)); err != nil {
			c.fail("birthDate", "must be YYYY-MM-DD")
		}
	}
	return c.err
}

// Build creates a new profile row owned by creator.
func (p ProfilePayload) Build(creator string) *Baby {
	row := &Baby{CreatedBy: creator}
	p.Patch(row)
	return row
}

// Patch applies the present fields to row.
func (p ProfilePayload) Patch(row *Baby) {
	setText(&row.Name, p.Name)
	setText(&row.BirthDate, p.BirthDate)
	setText(&row.Gender, p.Gender)
	setText(&row.PhotoURL, p.PhotoURL)
}

type FeedLogPayload struct {
	PayloadBase
	Method    *string    `json:"method,omitempty"`
	Side      *string    `json:"side,omitempty"`
	AmountMl  *float64   `json:"amountMl,omitempty"`
	StartedAt *Timestamp `json:"startedAt,omitempty"`
	EndedAt   *Timestamp `json:"endedAt,omitempty"`
	Notes     *string    `json:"notes,omitempty"`
}

func (p FeedLogPayload) Validate(op Op) error {
	c := newChecker(op)
	c.oneOf("method", p.Method, true, feedMethods...)
	c.oneOf("side", p.Side, false, feedSides...)
	c.nonNegative("amountMl", p.AmountMl)
	c.instant("startedAt", p.StartedAt, true)
	c.ordered("startedAt", p.StartedAt, "endedAt", p.EndedAt)
	return c.err
}

func (p FeedLogPayload) Build(base LogBase) *FeedLog {
	row := &FeedLog{LogBase: base}
	p.Patch(row)
	return row
}

func (p FeedLogPayload) Patch(row *FeedLog) {
	setText(&row.Method, p.Method)
	setText(&row.Side, p.Side)
	setFloat(&row.AmountMl, p.AmountMl)
	setMillis(&row.StartedAtMillis, p.StartedAt)
	setOptionalMillis(&row.EndedAtMillis, p.EndedAt)
	setText(&row.Notes, p.Notes)
}

type SleepLogPayload struct {
	PayloadBase
	StartedAt *Timestamp `json:"startedAt,omitempty"`
	EndedAt   *Timestamp `json:"endedAt,omitempty"`
	Location  *string    `json:"location,omitempty"`
	Notes     *string    `json:"notes,omitempty"`
}

func (p SleepLogPayload) Validate(op Op) error {
	c := newChecker(op)
	c.instant("startedAt", p.StartedAt, true)
	c.ordered("startedAt", p.StartedAt, "endedAt", p.EndedAt)
	return c.err
}

func (p SleepLogPayload) Build(base LogBase) *SleepLog {
	row := &SleepLog{LogBase: base}
	p.Patch(row)
	return row
}

func (p SleepLogPayload) Patch(row *SleepLog) {
	setMillis(&row.StartedAtMillis, p.StartedAt)
	setOptionalMillis(&row.EndedAtMillis, p.EndedAt)
	setText(&row.Location, p.Location)
	setText(&row.Notes, p.Notes)
}

type NappyLogPayload struct {
	PayloadBase
	LoggedAt *Timestamp `json:"loggedAt,omitempty"`
	Kind     *string    `json:"kind,omitempty"`
	Colour   *string    `json:"colour,omitempty"`
	Notes    *string    `json:"notes,omitempty"`
}

func (p NappyLogPayload) Validate(op Op) error {
	c := newChecker(op)
	c.instant("loggedAt", p.LoggedAt, true)
	c.oneOf("kind", p.Kind, true, nappyKinds...)
	return c.err
}

func (p NappyLogPayload) Build(base LogBase) *NappyLog {
	row := &NappyLog{LogBase: base}
	p.Patch(row)
	return row
}

func (p NappyLogPayload) Patch(row *NappyLog) {
	setMillis(&row.LoggedAtMillis, p.LoggedAt)
	setText(&row.Kind, p.Kind)
	setText(&row.Colour, p.Colour)
	setText(&row.Notes, p.Notes)
}

type SolidsLogPayload struct {
	PayloadBase
	LoggedAt   *Timestamp `json:"loggedAt,omitempty"`
	FoodTypeID *string    `json:"foodTypeId,omitempty"`
	FoodName   *string    `json:"foodName,omitempty"`
	Amount     *string    `json:"amount,omitempty"`
	Reaction   *string    `json:"reaction,omitempty"`
	Notes      *string    `json:"notes,omitempty"`
}

func (p SolidsLogPayload) Validate(op Op) error {
	c := newChecker(op)
	c.instant("loggedAt", p.LoggedAt, true)
	c.text("foodName", p.FoodName, true)
	c.oneOf("reaction", p.Reaction, false, solidReactions...)
	return c.err
}

func (p SolidsLogPayload) Build(base LogBase) *SolidsLog {
	row := &SolidsLog{LogBase: base}
	p.Patch(row)
	return row
}

func (p SolidsLogPayload) Patch(row *SolidsLog) {
	setMillis(&row.LoggedAtMillis, p.LoggedAt)
	setText(&row.FoodTypeID, p.FoodTypeID)
	setText(&row.FoodName, p.FoodName)
	setText(&row.Amount, p.Amount)
	setText(&row.Reaction, p.Reaction)
	setText(&row.Notes, p.Notes)
}

type GrowthLogPayload struct {
	PayloadBase
	MeasuredAt          *Timestamp `json:"measuredAt,omitempty"`
	WeightGrams         *float64   `json:"weightGrams,omitempty"`
	LengthCm            *float64   `json:"lengthCm,omitempty"`
	HeadCircumferenceCm *float64   `json:"headCircumferenceCm,omitempty"`
	Notes               *string    `json:"notes,omitempty"`
}

func (p GrowthLogPayload) Validate(op Op) error {
	c := newChecker(op)
	c.instant("measuredAt", p.MeasuredAt, true)
	c.nonNegative("weightGrams", p.WeightGrams)
	c.nonNegative("lengthCm", p.LengthCm)
	c.nonNegative("headCircumferenceCm", p.HeadCircumferenceCm)
	if op == OpCreate && p.WeightGrams == nil && p.LengthCm == nil && p.HeadCircumferenceCm == nil {
		c.fail("weightGrams", "at least one measurement is required")
	}
	return c.err
}

func (p GrowthLogPayload) Build(base LogBase) *GrowthLog {
	row := &GrowthLog{LogBase: base}
	p.Patch(row)
	return row
}

func (p GrowthLogPayload) Patch(row *GrowthLog) {
	setMillis(&row.MeasuredAtMillis, p.MeasuredAt)
	setFloat(&row.WeightGrams, p.WeightGrams)
	setFloat(&row.LengthCm, p.LengthCm)
	setFloat(&row.HeadCircumferenceCm, p.HeadCircumferenceCm)
	setText(&row.Notes, p.Notes)
}

type BathLogPayload struct {
	PayloadBase
	LoggedAt   *Timestamp `json:"loggedAt,omitempty"`
	WaterTempC *float64   `json:"waterTempC,omitempty"`
	Notes      *string    `json:"notes,omitempty"`
}

func (p BathLogPayload) Validate(op Op) error {
	c := newChecker(op)
	c.instant("loggedAt", p.LoggedAt, true)
	return c.err
}

func (p BathLogPayload) Build(base LogBase) *BathLog {
	row := &BathLog{LogBase: base}
	p.Patch(row)
	return row
}

func (p BathLogPayload) Patch(row *BathLog) {
	setMillis(&row.LoggedAtMillis, p.LoggedAt)
	setFloat(&row.WaterTempC, p.WaterTempC)
	setText(&row.Notes, p.Notes)
}

type MedicationLogPayload struct {
	PayloadBase
	GivenAt          *Timestamp `json:"givenAt,omitempty"`
	MedicationTypeID *string    `json:"medicationTypeId,omitempty"`
	MedicationName   *string    `json:"medicationName,omitempty"`
	Dose             *float64   `json:"dose,omitempty"`
	Unit             *string    `json:"unit,omitempty"`
	Notes            *string    `json:"notes,omitempty"`
}

func (p MedicationLogPayload) Validate(op Op) error {
	c := newChecker(op)
	c.instant("givenAt", p.GivenAt, true)
	c.text("medicationName", p.MedicationName, true)
	c.nonNegative("dose", p.Dose)
	return c.err
}

func (p MedicationLogPayload) Build(base LogBase) *MedicationLog {
	row := &MedicationLog{LogBase: base}
	p.Patch(row)
	return row
}

func (p MedicationLogPayload) Patch(row *MedicationLog) {
	setMillis(&row.GivenAtMillis, p.GivenAt)
	setText(&row.MedicationTypeID, p.MedicationTypeID)
	setText(&row.MedicationName, p.MedicationName)
	setFloat(&row.Dose, p.Dose)
	setText(&row.Unit, p.Unit)
	setText(&row.Notes, p.Notes)
}

type PumpingLogPayload struct {
	PayloadBase
	StartedAt *Timestamp `json:"startedAt,omitempty"`
	EndedAt   *Timestamp `json:"endedAt,omitempty"`
	LeftMl    *float64   `json:"leftMl,omitempty"`
	RightMl   *float64   `json:"rightMl,omitempty"`
	Notes     *string    `json:"notes,omitempty"`
}

func (p PumpingLogPayload) Validate(op Op) error {
	c := newChecker(op)
	c.instant("startedAt", p.StartedAt, true)
	c.ordered("startedAt", p.StartedAt, "endedAt", p.EndedAt)
	c.nonNegative("leftMl", p.LeftMl)
	c.nonNegative("rightMl", p.RightMl)
	return c.err
}

func (p PumpingLogPayload) Build(base LogBase) *PumpingLog {
	row := &PumpingLog{LogBase: base}
	p.Patch(row)
	return row
}

func (p PumpingLogPayload) Patch(row *PumpingLog) {
	setMillis(&row.StartedAtMillis, p.StartedAt)
	setOptionalMillis(&row.EndedAtMillis, p.EndedAt)
	setFloat(&row.LeftMl, p.LeftMl)
	setFloat(&row.RightMl, p.RightMl)
	setText(&row.Notes, p.Notes)
}

type ActivityLogPayload struct {
	PayloadBase
	StartedAt *Timestamp `json:"startedAt,omitempty"`
	EndedAt   *Timestamp `json:"endedAt,omitempty"`
	Kind      *string    `json:"kind,omitempty"`
	Notes     *string    `json:"notes,omitempty"`
}

func (p ActivityLogPayload) Validate(op Op) error {
	c := newChecker(op)
	c.instant("startedAt", p.StartedAt, true)
	c.ordered("startedAt", p.StartedAt, "endedAt", p.EndedAt)
	c.text("kind", p.Kind, true)
	return c.err
}

func (p ActivityLogPayload) Build(base LogBase) *ActivityLog {
	row := &ActivityLog{LogBase: base}
	p.Patch(row)
	return row
}

func (p ActivityLogPayload) Patch(row *ActivityLog) {
	setMillis(&row.StartedAtMillis, p.StartedAt)
	setOptionalMillis(&row.EndedAtMillis, p.EndedAt)
	setText(&row.Kind, p.Kind)
	setText(&row.Notes, p.Notes)
}

type FoodTypePayload struct {
	PayloadBase
	Name     *string `json:"name,omitempty"`
	Category *string `json:"category,omitempty"`
}

func (p FoodTypePayload) Validate(op Op) error {
	c := newChecker(op)
	c.text("name", p.Name, true)
	return c.err
}

func (p FoodTypePayload) Build(base CatalogBase) *FoodType {
	row := &FoodType{CatalogBase: base}
	p.Patch(row)
	return row
}

func (p FoodTypePayload) Patch(row *FoodType) {
	setText(&row.Name, p.Name)
	setText(&row.Category, p.Category)
}

type MedicationTypePayload struct {
	PayloadBase
	Name        *string  `json:"name,omitempty"`
	DefaultDose *float64 `json:"defaultDose,omitempty"`
	Unit        *string  `json:"unit,omitempty"`
}

func (p MedicationTypePayload) Validate(op Op) error {
	c := newChecker(op)
	c.text("name", p.Name, true)
	c.nonNegative("defaultDose", p.DefaultDose)
	return c.err
}

func (p MedicationTypePayload) Build(base CatalogBase) *MedicationType {
	row := &MedicationType{CatalogBase: base}
	p.Patch(row)
	return row
}

func (p MedicationTypePayload) Patch(row *MedicationType) {
	setText(&row.Name, p.Name)
	setFloat(&row.DefaultDose, p.DefaultDose)
	setText(&row.Unit, p.Unit)
}

// checker records the first validation failure for a payload.
type checker struct {
	op  Op
	err error
}

func newChecker(op Op) *checker {
	return &checker{op: op}
}

func (c *checker) fail(field, reason string) {
	if c.err != nil {
		return
	}
	c.err = fmt.Errorf("%w: %s %s", ErrInvalidPayload, field, reason)
}

// text requires a non-blank value on create when required, and rejects blanking it on update.
func (c *checker) text(field string, value *string, required bool) {
	if value == nil {
		if required && c.op == OpCreate {
			c.fail(field, "is required")
		}
		return
	}
	if required && strings.TrimSpace(*value) == "" {
		c.fail(field, "must not be empty")
	}
}

func (c *checker) oneOf(field string, value *string, required bool, allowed ...string) {
	c.text(field, value, required)
	if value == nil {
		return
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" && !required {
		return
	}
	for _, candidate := range allowed {
		if trimmed == candidate {
			return
		}
	}
	c.fail(field, fmt.Sprintf("must be one of %s", strings.Join(allowed, ", ")))
}

func (c *checker) instant(field string, value *Timestamp, required bool) {
	if value == nil {
		if required && c.op == OpCreate {
			c.fail(field, "is required")
		}
		return
	}
	switch {
	case value.Millis() <= 0:
		c.fail(field, "must be a positive timestamp")
	case value.Millis() > MaxInstantMillis:
		c.fail(field, "is out of range")
	}
}

// ordered checks an optional end instant. A zero end clears it.
func (c *checker) ordered(startField string, start *Timestamp, endField string, end *Timestamp) {
	if end == nil || end.Millis() == 0 {
		return
	}
	if end.Millis() > MaxInstantMillis {
		c.fail(endField, "is out of range")
		return
	}
	if start != nil && end.Millis() < start.Millis() {
		c.fail(endField, "must not precede "+startField)
	}
}

func (c *checker) nonNegative(field string, value *float64) {
	if value != nil && *value < 0 {
		c.fail(field, "must not be negative")
	}
}

func setText(dst *string, value *string) {
	if value != nil {
		*dst = strings.TrimSpace(*value)
	}
}

func setFloat(dst **float64, value *float64) {
	if value != nil {
		v := *value
		*dst = &v
	}
}

func setMillis(dst *int64, value *Timestamp) {
	if value != nil {
		*dst = value.Millis()
	}
}

func setOptionalMillis(dst **int64, value *Timestamp) {
	if value != nil && value.Millis() == 0 {
		*dst = nil
		return
	}
	if value != nil {
		v := value.Millis()
		*dst = &v
	}
}
