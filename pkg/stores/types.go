package stores

import (
	"time"

	"github.com/openfroyo/netonboard/pkg/engine"
)

// Device is an onboarded device as recorded by an inventory store.
type Device struct {
	Key        string              `json:"key"`
	Address    string              `json:"address"`
	Platform   string              `json:"platform"`
	Facts      *engine.DeviceFacts `json:"facts"`
	Location   string              `json:"location,omitempty"`
	Role       string              `json:"role,omitempty"`
	DeviceType string              `json:"device_type,omitempty"`
	Tags       []string            `json:"tags,omitempty"`
	TaskID     string              `json:"task_id"`
	FirstSeen  time.Time           `json:"first_seen"`
	LastSeen   time.Time           `json:"last_seen"`
}

// DeviceKey identifies a device across onboarding runs: the serial number
// when the driver found one, the management address otherwise.
func DeviceKey(record engine.DeviceRecord) string {
	if record.Facts != nil && record.Facts.Serial != "" {
		return "serial:" + record.Facts.Serial
	}
	return "addr:" + record.Address
}

// nextUpdate never lets UpdatedAt go backwards.
func nextUpdate(prev, now time.Time) time.Time {
	if now.Before(prev) {
		return prev
	}
	return now
}

// casError reports why a compare-and-set against a task failed.
func casError(id string, found bool, current, from engine.TaskStatus) error {
	if !found {
		return engine.NewNotFoundError(id)
	}
	return engine.NewConflictError("task status changed concurrently", nil).
		WithResource(id).
		WithDetail("expected", string(from)).
		WithDetail("actual", string(current))
}

func checkTransition(id string, from, to engine.TaskStatus) error {
	if !engine.ValidTransition(from, to) {
		return engine.NewConflictError("illegal status transition", nil).
			WithResource(id).
			WithDetail("from", string(from)).
			WithDetail("to", string(to))
	}
	return nil
}
