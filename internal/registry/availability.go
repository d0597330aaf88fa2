package registry

import (
	"context"

	"vacuum-rental-backend/internal/apperr"
	"vacuum-rental-backend/internal/model"
)

// Availability is the customer-facing view of a machine.
type Availability struct {
	MachineID          int64               `json:"machineId"`
	Code               string              `json:"code"`
	Status             model.MachineStatus `json:"status"`
	Available          bool                `json:"available"`
	MaintenanceWarning bool                `json:"maintenanceWarning"`
	Reason             string              `json:"reason,omitempty"`
	PricePerMinute     int64               `json:"pricePerMinute"`
	MaxDurationMinutes int                 `json:"maxDurationMinutes"`
}

// Availability reports whether a session could be admitted on m right now.
// It is read-only: the state changes it predicts happen at admission time.
func (r *Registry) Availability(m *model.Machine) Availability {
	a := Availability{
		MachineID:          m.ID,
		Code:               m.Code,
		Status:             m.Status,
		MaintenanceWarning: m.OverrideActive && m.OverThreshold(),
		PricePerMinute:     m.PricePerMinute,
		MaxDurationMinutes: m.MaxDurationMinutes,
	}

	switch m.Status {
	case model.StatusOnline:
		if m.OverThreshold() && !m.OverrideActive {
			a.Reason = apperr.ReasonMaintenanceBlocked
			return a
		}
		a.Available = true
	case model.StatusOffline:
		if r.HeartbeatFresh(m, r.Now()) != nil {
			a.Reason = apperr.ReasonHeartbeatRequired
			return a
		}
		a.Available = !m.OverThreshold() || m.OverrideActive
		if !a.Available {
			a.Reason = apperr.ReasonMaintenanceBlocked
		}
	case model.StatusMaintenance:
		if !m.OverrideActive {
			a.Reason = apperr.ReasonMaintenanceBlocked
			return a
		}
		if r.HeartbeatFresh(m, r.Now()) != nil {
			a.Reason = apperr.ReasonHeartbeatRequired
			return a
		}
		a.Available = true
	case model.StatusInUse:
		a.Reason = apperr.ReasonMachineBusy
	}
	return a
}

// AvailabilityByCode looks a machine up by its code and reports its availability.
func (r *Registry) AvailabilityByCode(ctx context.Context, code string) (Availability, error) {
	m, err := r.store.GetMachineByCode(ctx, code)
	if err != nil {
		return Availability{}, err
	}
	return r.Availability(m), nil
}
