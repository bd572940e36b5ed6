package entities

import "strconv"

// Owner identifies the group a row belongs to: a baby, or a user for catalog rows.
type Owner struct {
	BabyID int64
	UserID string
}

// Record is implemented by every canonical row the sync engine writes.
type Record interface {
	RecordID() string
	Owner() Owner
	LastUpdated() int64
	Stamp(millis int64)
}

// Tracking carries the server-maintained write timestamps shared by every row.
type Tracking struct {
	CreatedAtMillis int64 `gorm:"column:created_at_ms;not null" json:"createdAt"`
	UpdatedAtMillis int64 `gorm:"column:updated_at_ms;not null" json:"updatedAt"`
}

// LastUpdated returns the stored updatedAt in unix milliseconds, zero when never stamped.
func (t Tracking) LastUpdated() int64 {
	return t.UpdatedAtMillis
}

// Stamp records a write. updatedAt never moves backwards.
func (t *Tracking) Stamp(millis int64) {
	if t.CreatedAtMillis == 0 {
		t.CreatedAtMillis = millis
	}
	if millis < t.UpdatedAtMillis {
		return
	}
	t.UpdatedAtMillis = millis
}

// Baby is the profile row; its numeric id is the access-control group key.
type Baby struct {
	ID               int64  `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Name             string `gorm:"column:name;size:190;not null" json:"name"`
	BirthDate        string `gorm:"column:birth_date;size:10;not null;default:''" json:"birthDate,omitempty"`
	Gender           string `gorm:"column:gender;size:32;not null;default:''" json:"gender,omitempty"`
	PhotoURL         string `gorm:"column:photo_url;size:512;not null;default:''" json:"photoUrl,omitempty"`
	CreatedBy        string `gorm:"column:created_by;size:190;not null;default:''" json:"createdBy"`
	ArchivedAtMillis *int64 `gorm:"column:archived_at_ms" json:"archivedAt"`
	Tracking
}

// TableName provides the explicit table binding for GORM.
func (Baby) TableName() string {
	return "babies"
}

// RecordID returns the decimal baby id.
func (b Baby) RecordID() string {
	return strconv.FormatInt(b.ID, 10)
}

// Owner returns the baby itself as the group.
func (b Baby) Owner() Owner {
	return Owner{BabyID: b.ID}
}

// Archived reports whether the profile has been soft deleted.
func (b Baby) Archived() bool {
	return b.ArchivedAtMillis != nil
}

// LogBase holds the columns shared by every baby-scoped log row.
type LogBase struct {
	ID        string `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	BabyID    int64  `gorm:"column:baby_id;not null;index" json:"babyId"`
	CreatedBy string `gorm:"column:created_by;size:190;not null;default:''" json:"createdBy"`
	Tracking
}

// RecordID returns the client-generated id.
func (b LogBase) RecordID() string {
	return b.ID
}

// Owner returns the baby the log belongs to.
func (b LogBase) Owner() Owner {
	return Owner{BabyID: b.BabyID}
}

// CatalogBase holds the columns shared by user-scoped catalog rows.
type CatalogBase struct {
	ID     string `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	UserID string `gorm:"column:user_id;size:190;not null;index" json:"userId"`
	Tracking
}

// RecordID returns the client-generated id.
func (b CatalogBase) RecordID() string {
	return b.ID
}

// Owner returns the user the catalog entry belongs to.
func (b CatalogBase) Owner() Owner {
	return Owner{UserID: b.UserID}
}

type FeedLog struct {
	LogBase
	Method          string   `gorm:"column:method;size:32;not null" json:"method"`
	Side            string   `gorm:"column:side;size:16;not null;default:''" json:"side,omitempty"`
	AmountMl        *float64 `gorm:"column:amount_ml" json:"amountMl"`
	StartedAtMillis int64    `gorm:"column:started_at_ms;not null" json:"startedAt"`
	EndedAtMillis   *int64   `gorm:"column:ended_at_ms" json:"endedAt"`
	Notes           string   `gorm:"column:notes;type:text;not null;default:''" json:"notes,omitempty"`
}

func (FeedLog) TableName() string { return "feed_logs" }

type SleepLog struct {
	LogBase
	StartedAtMillis int64  `gorm:"column:started_at_ms;not null" json:"startedAt"`
	EndedAtMillis   *int64 `gorm:"column:ended_at_ms" json:"endedAt"`
	Location        string `gorm:"column:location;size:64;not null;default:''" json:"location,omitempty"`
	Notes           string `gorm:"column:notes;type:text;not null;default:''" json:"notes,omitempty"`
}

func (SleepLog) TableName() string { return "sleep_logs" }

type NappyLog struct {
	LogBase
	LoggedAtMillis int64  `gorm:"column:logged_at_ms;not null" json:"loggedAt"`
	Kind           string `gorm:"column:kind;size:16;not null" json:"kind"`
	Colour         string `gorm:"column:colour;size:32;not null;default:''" json:"colour,omitempty"`
	Notes          string `gorm:"column:notes;type:text;not null;default:''" json:"notes,omitempty"`
}

func (NappyLog) TableName() string { return "nappy_logs" }

type SolidsLog struct {
	LogBase
	LoggedAtMillis int64  `gorm:"column:logged_at_ms;not null" json:"loggedAt"`
	FoodTypeID     string `gorm:"column:food_type_id;size:190;not null;default:''" json:"foodTypeId,omitempty"`
	FoodName       string `gorm:"column:food_name;size:190;not null" json:"foodName"`
	Amount         string `gorm:"column:amount;size:64;not null;default:''" json:"amount,omitempty"`
	Reaction       string `gorm:"column:reaction;size:32;not null;default:''" json:"reaction,omitempty"`
	Notes          string `gorm:"column:notes;type:text;not null;default:''" json:"notes,omitempty"`
}

func (SolidsLog) TableName() string { return "solids_logs" }

type GrowthLog struct {
	LogBase
	MeasuredAtMillis    int64    `gorm:"column:measured_at_ms;not null" json:"measuredAt"`
	WeightGrams         *float64 `gorm:"column:weight_g" json:"weightGrams"`
	LengthCm            *float64 `gorm:"column:length_cm" json:"lengthCm"`
	HeadCircumferenceCm *float64 `gorm:"column:head_circumference_cm" json:"headCircumferenceCm"`
	Notes               string   `gorm:"column:notes;type:text;not null;default:''" json:"notes,omitempty"`
}

func (GrowthLog) TableName() string { return "growth_logs" }

type BathLog struct {
	LogBase
	LoggedAtMillis int64    `gorm:"column:logged_at_ms;not null" json:"loggedAt"`
	WaterTempC     *float64 `gorm:"column:water_temp_c" json:"waterTempC"`
	Notes          string   `gorm:"column:notes;type:text;not null;default:''" json:"notes,omitempty"`
}

func (BathLog) TableName() string { return "bath_logs" }

type MedicationLog struct {
	LogBase
	GivenAtMillis    int64    `gorm:"column:given_at_ms;not null" json:"givenAt"`
	MedicationTypeID string   `gorm:"column:medication_type_id;size:190;not null;default:''" json:"medicationTypeId,omitempty"`
	MedicationName   string   `gorm:"column:medication_name;size:190;not null" json:"medicationName"`
	Dose             *float64 `gorm:"column:dose" json:"dose"`
	Unit             string   `gorm:"column:unit;size:32;not null;default:''" json:"unit,omitempty"`
	Notes            string   `gorm:"column:notes;type:text;not null;default:''" json:"notes,omitempty"`
}

func (MedicationLog) TableName() string { return "medication_logs" }

type PumpingLog struct {
	LogBase
	StartedAtMillis int64    `gorm:"column:started_at_ms;not null" json:"startedAt"`
	EndedAtMillis   *int64   `gorm:"column:ended_at_ms" json:"endedAt"`
	LeftMl          *float64 `gorm:"column:left_ml" json:"leftMl"`
	RightMl         *float64 `gorm:"column:right_ml" json:"rightMl"`
	Notes           string   `gorm:"column:notes;type:text;not null;default:''" json:"notes,omitempty"`
}

func (PumpingLog) TableName() string { return "pumping_logs" }

type ActivityLog struct {
	LogBase
	StartedAtMillis int64  `gorm:"column:started_at_ms;not null" json:"startedAt"`
	EndedAtMillis   *int64 `gorm:"column:ended_at_ms" json:"endedAt"`
	Kind            string `gorm:"column:kind;size:64;not null" json:"kind"`
	Notes           string `gorm:"column:notes;type:text;not null;default:''" json:"notes,omitempty"`
}

func (ActivityLog) TableName() string { return "activity_logs" }

type FoodType struct {
	CatalogBase
	Name     string `gorm:"column:name;size:190;not null" json:"name"`
	Category string `gorm:"column:category;size:64;not null;default:''" json:"category,omitempty"`
}

func (FoodType) TableName() string { return "food_types" }

type MedicationType struct {
	CatalogBase
	Name        string   `gorm:"column:name;size:190;not null" json:"name"`
	DefaultDose *float64 `gorm:"column:default_dose" json:"defaultDose"`
	Unit        string   `gorm:"column:unit;size:32;not null;default:''" json:"unit,omitempty"`
}

func (MedicationType) TableName() string { return "medication_types" }

// Models lists every canonical table for schema migration.
func Models() []any {
	return []any{
		&Baby{},
		&FeedLog{},
		&SleepLog{},
		&NappyLog{},
		&SolidsLog{},
		&GrowthLog{},
		&BathLog{},
		&MedicationLog{},
		&PumpingLog{},
		&ActivityLog{},
		&FoodType{},
		&MedicationType{},
	}
}
