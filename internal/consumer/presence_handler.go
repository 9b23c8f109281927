package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"example.com/reconciliation/internal/domain"
	"example.com/reconciliation/internal/events"
	"example.com/reconciliation/internal/importer"
)

// ImportStarter starts import jobs. *reconciliation.Service satisfies it.
type ImportStarter interface {
	StartImportJob(ctx context.Context, req importer.StartRequest) (*domain.ImportJob, error)
}

// PresenceHandler starts a triggered presence_to_timesheet import for the employee and day of
// every presence.recorded event.
type PresenceHandler struct {
	imports ImportStarter
	logger  logrus.FieldLogger
}

// NewPresenceHandler constructs a handler that starts jobs through imports.
func NewPresenceHandler(imports ImportStarter, logger logrus.FieldLogger) *PresenceHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &PresenceHandler{imports: imports, logger: logger}
}

// Handle decodes msg and starts the import. Events that can never succeed are acknowledged
// and counted instead of returned as errors.
func (h *PresenceHandler) Handle(ctx context.Context, msg Message) error {
	if msg.EventType != events.TypePresenceRecorded {
		recordSkipped("event_type")
		return nil
	}
	if err := events.Validate(msg.EventType, msg.Payload); err != nil {
		h.logger.WithError(err).WithField("offset", msg.Offset).Warn("invalid presence event")
		recordSkipped("invalid_payload")
		return nil
	}

	var event events.PresenceRecorded
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return fmt.Errorf("decode presence event: %w", err)
	}
	if msg.TenantID != "" && msg.TenantID != event.TenantID {
		h.logger.WithFields(logrus.Fields{"header_tenant": msg.TenantID, "tenant_id": event.TenantID}).
			Warn("presence event tenant does not match header")
		recordSkipped("tenant_mismatch")
		return nil
	}
	if domain.PresenceStatus(event.Status) == domain.PresenceStatusIncomplete {
		recordSkipped("incomplete")
		return nil
	}

	job, err := h.imports.StartImportJob(ctx, importer.StartRequest{
		TenantID:    event.TenantID,
		Kind:        domain.JobKindPresenceToTimesheet,
		Trigger:     domain.TriggerTriggered,
		DateFrom:    event.Date,
		DateTo:      event.Date,
		EmployeeIDs: []string{event.EmployeeID},
		RequestedBy: "presence-events",
	})
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			h.logger.WithError(err).WithField("tenant_id", event.TenantID).Info("presence event not imported")
			recordSkipped("rejected")
			return nil
		}
		return fmt.Errorf("start import for %s@%s: %w", event.EmployeeID, event.Date, err)
	}

	h.logger.WithFields(logrus.Fields{
		"tenant_id":   event.TenantID,
		"employee_id": event.EmployeeID,
		"date":        event.Date,
		"job_id":      job.ID,
	}).Debug("triggered import started")
	return nil
}
