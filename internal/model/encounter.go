package model

import "time"

// Encounter is a submitted clinical note after de-identification.
// The raw note text is never stored.
type Encounter struct {
	ID               string        `json:"id"`
	PayerID          string        `json:"payer_id,omitempty"`
	DateOfService    time.Time     `json:"date_of_service"`
	DeidentifiedText string        `json:"deidentified_text"`
	BilledCodes      []BillingCode `json:"billed_codes"`
	Hints            []string      `json:"hints,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
}

// PHITrait is a classifier trait flag such as NEGATION.
type PHITrait struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// PHIEntity is a span of protected health information found by the classifier.
// Offsets are byte offsets into the analysed text.
type PHIEntity struct {
	Text        string     `json:"text"`
	Category    string     `json:"category"`
	Type        string     `json:"type"`
	Score       float64    `json:"score"`
	BeginOffset int        `json:"begin_offset"`
	EndOffset   int        `json:"end_offset"`
	Traits      []PHITrait `json:"traits,omitempty"`
}

// PHIToken maps one placeholder token back to its original text.
type PHIToken struct {
	Token      string `json:"token"`
	Original   string `json:"original"`
	EntityType string `json:"entity_type"`
	Index      int    `json:"index"`
}

// PHIMapping is the persisted record for an encounter's de-identification.
// Blob holds the sealed token mapping; DeidentifiedText is stored in clear.
type PHIMapping struct {
	EncounterID      string    `json:"encounter_id"`
	DeidentifiedText string    `json:"deidentified_text"`
	PHIDetected      bool      `json:"phi_detected"`
	DetectedCount    int       `json:"detected_count"`
	Blob             string    `json:"-"`
	CreatedAt        time.Time `json:"created_at"`
}
