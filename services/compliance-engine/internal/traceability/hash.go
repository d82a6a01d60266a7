package traceability

import (
	"fmt"
	"time"

	"cattlesense/shared/models"
	"cattlesense/shared/utils"
)

// ComputeHash digests the canonical form of one chain link:
//
//	{"entity_id", "event_type", "payload", "previous_hash", "timestamp"}
//
// with keys sorted at every depth and the timestamp in RFC 3339 UTC with
// nanosecond precision trimmed. The result is 64 lowercase hex characters.
func ComputeHash(entityID, eventType string, payload models.Attributes, timestamp time.Time, previousHash string) (string, error) {
	body := map[string]any{
		"entity_id":     entityID,
		"event_type":    eventType,
		"payload":       map[string]any(payload),
		"timestamp":     timestamp.UTC().Format(time.RFC3339Nano),
		"previous_hash": previousHash,
	}
	if payload == nil {
		body["payload"] = map[string]any{}
	}

	canonical, err := utils.CanonicalJSON(body)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalise event: %w", err)
	}
	return utils.HashBytes(canonical), nil
}

// Report describes the outcome of walking a chain.
type Report struct {
	LivestockID string `json:"livestock_id"`
	Valid       bool   `json:"valid"`
	Length      int    `json:"length"`
	// BrokenIndex is the oldest-first position of the first bad link, or -1.
	BrokenIndex int    `json:"broken_index"`
	EventID     string `json:"event_id,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// VerifyChain checks events ordered oldest first: genesis link, previous
// hash linkage, and each stored hash against one recomputed from the
// stored fields. It stops at the first mismatch.
func VerifyChain(livestockID string, events []*models.TraceabilityEvent) Report {
	report := Report{LivestockID: livestockID, Valid: true, Length: len(events), BrokenIndex: -1}

	broken := func(i int, reason string) Report {
		report.Valid = false
		report.BrokenIndex = i
		report.EventID = events[i].ID
		report.Reason = reason
		return report
	}

	for i, e := range events {
		if e.LivestockID != livestockID {
			return broken(i, fmt.Sprintf("event belongs to livestock %s", e.LivestockID))
		}
		if i == 0 {
			if e.PreviousHash != models.GenesisHash {
				return broken(i, "genesis event does not link to the sentinel hash")
			}
		} else if e.PreviousHash != events[i-1].HashValue {
			return broken(i, "previous hash does not match the preceding event")
		}

		computed, err := ComputeHash(e.LivestockID, e.EventType, e.EventData, e.Timestamp, e.PreviousHash)
		if err != nil {
			return broken(i, err.Error())
		}
		if computed != e.HashValue {
			return broken(i, "stored hash does not match event contents")
		}
	}
	return report
}
