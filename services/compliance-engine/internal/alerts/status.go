package alerts

import (
	"cattlesense/services/compliance-engine/internal/apperr"
	"cattlesense/shared/models"
)

// Action is a requested alert status change.
type Action string

const (
	ActionMarkRead    Action = "mark_read"
	ActionAcknowledge Action = "acknowledge"
	ActionResolve     Action = "resolve"
)

// Next returns the status an alert moves to under action and whether that
// is a change. Repeating an action that has already taken effect is a no-op.
//
//	unread -> read -> acknowledged -> resolved
//	unread|read -> acknowledged
//	unread|read|acknowledged -> resolved
func Next(current models.AlertStatus, action Action) (models.AlertStatus, bool, error) {
	switch action {
	case ActionMarkRead:
		if current == models.AlertUnread {
			return models.AlertRead, true, nil
		}
		return current, false, nil

	case ActionAcknowledge:
		switch current {
		case models.AlertUnread, models.AlertRead:
			return models.AlertAcknowledged, true, nil
		case models.AlertAcknowledged:
			return current, false, nil
		case models.AlertResolved:
			return current, false, apperr.Validation("alert is already resolved")
		}

	case ActionResolve:
		switch current {
		case models.AlertUnread, models.AlertRead, models.AlertAcknowledged:
			return models.AlertResolved, true, nil
		case models.AlertResolved:
			return current, false, nil
		}

	default:
		return current, false, apperr.Validation("unknown alert action %q", action)
	}

	return current, false, apperr.Validation("alert has unknown status %q", current)
}
