package models

import (
	"encoding/json"
	"fmt"
)

// Attributes is an open string-keyed map of scalars, arrays and nested maps.
// It backs event_data and alert metadata.
type Attributes map[string]any

// Clone returns a shallow copy.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// GetString returns the value under key if it is a string.
func (a Attributes) GetString(key string) (string, bool) {
	v, ok := a[key].(string)
	return v, ok
}

// Traceability event types
const (
	EventLivestockRegistered = "livestock_registered"
	EventLivestockUpdated    = "livestock_updated"
	EventAMURecorded         = "amu_recorded"
	EventPrescriptionCreated = "prescription_created"
	EventAMUVerified         = "amu_verified"
	EventResidueTested       = "residue_tested"

	EventPrescriptionStatusChanged = "prescription_status_changed"
)

// DateLayout is used for calendar dates inside payloads and metadata.
const DateLayout = "2006-01-02"

// EventPayload is the tagged union of traceability event payloads.
type EventPayload interface {
	EventType() string
	Attributes() Attributes
}

type LivestockRegistered struct {
	RFIDTag  string  `json:"rfid_tag"`
	Species  Species `json:"species"`
	FarmerID string  `json:"farmer_id"`
	Breed    string  `json:"breed,omitempty"`
	Name     string  `json:"name,omitempty"`
}

func (LivestockRegistered) EventType() string { return EventLivestockRegistered }

func (p LivestockRegistered) Attributes() Attributes {
	attrs := Attributes{
		"rfid_tag":  p.RFIDTag,
		"species":   string(p.Species),
		"farmer_id": p.FarmerID,
	}
	if p.Breed != "" {
		attrs["breed"] = p.Breed
	}
	if p.Name != "" {
		attrs["name"] = p.Name
	}
	return attrs
}

// LivestockUpdated carries the fields that changed and their new values.
type LivestockUpdated struct {
	Changes Attributes `json:"changes"`
}

func (LivestockUpdated) EventType() string { return EventLivestockUpdated }

func (p LivestockUpdated) Attributes() Attributes {
	return Attributes{"changes": map[string]any(p.Changes.Clone())}
}

type AMURecorded struct {
	AdministrationID  string   `json:"administration_id"`
	DrugName          string   `json:"drug_name"`
	Dosage            float64  `json:"dosage"`
	DosageUnit        string   `json:"dosage_unit"`
	Route             string   `json:"administration_route,omitempty"`
	StartDate         string   `json:"start_date"`
	DurationDays      int      `json:"duration_days"`
	WithdrawalEndDate string   `json:"withdrawal_end_date,omitempty"`
	AlertsRaised      []string `json:"alerts_raised,omitempty"`
}

func (AMURecorded) EventType() string { return EventAMURecorded }

func (p AMURecorded) Attributes() Attributes {
	attrs := Attributes{
		"administration_id": p.AdministrationID,
		"drug_name":         p.DrugName,
		"dosage":            p.Dosage,
		"dosage_unit":       p.DosageUnit,
		"start_date":        p.StartDate,
		"duration_days":     p.DurationDays,
	}
	if p.Route != "" {
		attrs["administration_route"] = p.Route
	}
	if p.WithdrawalEndDate != "" {
		attrs["withdrawal_end_date"] = p.WithdrawalEndDate
	}
	if len(p.AlertsRaised) > 0 {
		raised := make([]any, len(p.AlertsRaised))
		for i, a := range p.AlertsRaised {
			raised[i] = a
		}
		attrs["alerts_raised"] = raised
	}
	return attrs
}

type PrescriptionCreated struct {
	PrescriptionNumber string `json:"prescription_number"`
	Diagnosis          string `json:"diagnosis"`
	VeterinarianID     string `json:"veterinarian_id"`
}

func (PrescriptionCreated) EventType() string { return EventPrescriptionCreated }

func (p PrescriptionCreated) Attributes() Attributes {
	return Attributes{
		"prescription_number": p.PrescriptionNumber,
		"diagnosis":           p.Diagnosis,
		"veterinarian_id":     p.VeterinarianID,
	}
}

type PrescriptionStatusChanged struct {
	PrescriptionID     string `json:"prescription_id"`
	PrescriptionNumber string `json:"prescription_number"`
	FromStatus         string `json:"from_status"`
	ToStatus           string `json:"to_status"`
}

func (PrescriptionStatusChanged) EventType() string { return EventPrescriptionStatusChanged }

func (p PrescriptionStatusChanged) Attributes() Attributes {
	return Attributes{
		"prescription_id":     p.PrescriptionID,
		"prescription_number": p.PrescriptionNumber,
		"from_status":         p.FromStatus,
		"to_status":           p.ToStatus,
	}
}

type AdministrationVerified struct {
	AdministrationID string `json:"administration_id"`
	VeterinarianID   string `json:"veterinarian_id"`
	VerifiedAt       string `json:"verified_at"`
}

func (AdministrationVerified) EventType() string { return EventAMUVerified }

func (p AdministrationVerified) Attributes() Attributes {
	return Attributes{
		"administration_id": p.AdministrationID,
		"veterinarian_id":   p.VeterinarianID,
		"verified_at":       p.VerifiedAt,
	}
}

type ResidueTested struct {
	DrugName      string   `json:"drug_name"`
	TissueType    string   `json:"tissue_type"`
	MeasuredValue float64  `json:"measured_value"`
	MRLValue      *float64 `json:"mrl_value,omitempty"`
	Breach        bool     `json:"breach"`
}

func (ResidueTested) EventType() string { return EventResidueTested }

func (p ResidueTested) Attributes() Attributes {
	attrs := Attributes{
		"drug_name":      p.DrugName,
		"tissue_type":    p.TissueType,
		"measured_value": p.MeasuredValue,
		"breach":         p.Breach,
	}
	if p.MRLValue != nil {
		attrs["mrl_value"] = *p.MRLValue
	}
	return attrs
}

// GenericPayload holds events of types not modelled above.
type GenericPayload struct {
	Type string
	Data Attributes
}

func (p GenericPayload) EventType() string { return p.Type }

func (p GenericPayload) Attributes() Attributes { return p.Data.Clone() }

// DecodePayload maps stored event data back onto its typed payload.
// Unknown event types come back as GenericPayload.
func DecodePayload(eventType string, data Attributes) (EventPayload, error) {
	var target EventPayload
	switch eventType {
	case EventLivestockRegistered:
		target = &LivestockRegistered{}
	case EventLivestockUpdated:
		target = &LivestockUpdated{}
	case EventAMURecorded:
		target = &AMURecorded{}
	case EventPrescriptionCreated:
		target = &PrescriptionCreated{}
	case EventPrescriptionStatusChanged:
		target = &PrescriptionStatusChanged{}
	case EventAMUVerified:
		target = &AdministrationVerified{}
	case EventResidueTested:
		target = &ResidueTested{}
	default:
		return GenericPayload{Type: eventType, Data: data.Clone()}, nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", eventType, err)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", eventType, err)
	}

	switch p := target.(type) {
	case *LivestockRegistered:
		return *p, nil
	case *LivestockUpdated:
		return *p, nil
	case *AMURecorded:
		return *p, nil
	case *PrescriptionCreated:
		return *p, nil
	case *PrescriptionStatusChanged:
		return *p, nil
	case *AdministrationVerified:
		return *p, nil
	case *ResidueTested:
		return *p, nil
	}
	return nil, fmt.Errorf("unhandled payload type %s", eventType)
}
