package model

import (
	"time"

	"github.com/google/uuid"
)

// ClientStatus represents where a client is in the case-management
// pipeline.
type ClientStatus string

const (
	ClientStatusIntake   ClientStatus = "intake"
	ClientStatusActive   ClientStatus = "active"
	ClientStatusHoused   ClientStatus = "housed"
	ClientStatusInactive ClientStatus = "inactive"
)

// Client is a person receiving services. The record is owned by the
// storage layer; the call core only issues partial updates at
// finalization time and never overwrites fields it did not extract.
type Client struct {
	ID                 uuid.UUID                `json:"id"`
	Name               string                   `json:"name"`
	Phone              *string                  `json:"phone,omitempty"`
	Status             ClientStatus             `json:"status"`
	EmotionProfile     map[EmotionLabel]float64 `json:"emotion_profile,omitempty"`
	Employment         *string                  `json:"employment,omitempty"`
	MonthlyIncome      *float64                 `json:"monthly_income,omitempty"`
	Dependents         *int                     `json:"dependents,omitempty"`
	Veteran            *bool                    `json:"veteran,omitempty"`
	Disability         *bool                    `json:"disability,omitempty"`
	Documents          []string                 `json:"documents,omitempty"`
	LocationPreference *string                  `json:"location_preference,omitempty"`
	UrgencyLevel       *string                  `json:"urgency_level,omitempty"`
	Notes              *string                  `json:"notes,omitempty"`
	CreatedAt          time.Time                `json:"created_at"`
	UpdatedAt          time.Time                `json:"updated_at"`
}

// ClientPatch is a partial update to a Client. Nil fields are left
// unchanged by the storage layer, so a finalizer that extracted nothing
// for a field never clobbers an earlier value.
type ClientPatch struct {
	Name               *string
	Phone              *string
	Status             *ClientStatus
	EmotionProfile     map[EmotionLabel]float64
	Employment         *string
	MonthlyIncome      *float64
	Dependents         *int
	Veteran            *bool
	Disability         *bool
	Documents          []string
	LocationPreference *string
	UrgencyLevel       *string
	Notes              *string
}

// IsZero reports whether the patch carries no changes at all.
func (p ClientPatch) IsZero() bool {
	return p.Name == nil && p.Phone == nil && p.Status == nil &&
		p.EmotionProfile == nil && p.Employment == nil &&
		p.MonthlyIncome == nil && p.Dependents == nil && p.Veteran == nil &&
		p.Disability == nil && p.Documents == nil &&
		p.LocationPreference == nil && p.UrgencyLevel == nil && p.Notes == nil
}

// EntityCategory is a category of structured entity pulled from a call
// transcript. The set is closed; extractor output outside it is
// dropped.
type EntityCategory string

const (
	EntityHousingNeed        EntityCategory = "housing_need"
	EntityLocationPreference EntityCategory = "location_preference"
	EntityHealthCondition    EntityCategory = "health_condition"
	EntityEmploymentDetail   EntityCategory = "employment_detail"
	EntityFamilySituation    EntityCategory = "family_situation"
	EntityDocumentType       EntityCategory = "document_type"
	EntityUrgencyIndicator   EntityCategory = "urgency_indicator"
	EntityServiceNeed        EntityCategory = "service_need"
)

// AllEntityCategories lists every valid category in a stable order.
var AllEntityCategories = []EntityCategory{
	EntityHousingNeed,
	EntityLocationPreference,
	EntityHealthCondition,
	EntityEmploymentDetail,
	EntityFamilySituation,
	EntityDocumentType,
	EntityUrgencyIndicator,
	EntityServiceNeed,
}

// ValidEntityCategory reports whether c belongs to the closed category
// set.
func ValidEntityCategory(c EntityCategory) bool {
	switch c {
	case EntityHousingNeed, EntityLocationPreference, EntityHealthCondition,
		EntityEmploymentDetail, EntityFamilySituation, EntityDocumentType,
		EntityUrgencyIndicator, EntityServiceNeed:
		return true
	}
	return false
}
