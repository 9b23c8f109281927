package consumer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"example.com/reconciliation/internal/domain"
	"example.com/reconciliation/internal/events"
	"example.com/reconciliation/internal/importer"
)

type stubStarter struct {
	requests []importer.StartRequest
	err      error
}

func (s *stubStarter) StartImportJob(_ context.Context, req importer.StartRequest) (*domain.ImportJob, error) {
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	return &domain.ImportJob{ID: "job-1", TenantID: req.TenantID, Kind: req.Kind, Trigger: req.Trigger}, nil
}

func presenceMessage(tenantHeader, payload string) Message {
	return Message{
		Topic:     "presence_events",
		EventType: events.TypePresenceRecorded,
		TenantID:  tenantHeader,
		Payload:   []byte(payload),
	}
}

func TestPresenceHandlerStartsTriggeredImport(t *testing.T) {
	starter := &stubStarter{}
	handler := NewPresenceHandler(starter, quietLogger())

	msg := presenceMessage("t1", `{"tenant_id":"t1","employee_id":"e7","record_id":"p-1","date":"2024-03-04","status":"present"}`)
	require.NoError(t, handler.Handle(context.Background(), msg))

	require.Equal(t, []importer.StartRequest{{
		TenantID:    "t1",
		Kind:        domain.JobKindPresenceToTimesheet,
		Trigger:     domain.TriggerTriggered,
		DateFrom:    "2024-03-04",
		DateTo:      "2024-03-04",
		EmployeeIDs: []string{"e7"},
		RequestedBy: "presence-events",
	}}, starter.requests)
}

func TestPresenceHandlerAcknowledgesUnusableEvents(t *testing.T) {
	cases := map[string]Message{
		"other type":      {EventType: events.TypeSyncRunFinished, Payload: []byte(`{}`)},
		"invalid payload": presenceMessage("t1", `{"tenant_id":"t1"}`),
		"tenant mismatch": presenceMessage("t2", `{"tenant_id":"t1","employee_id":"e1","date":"2024-03-04"}`),
		"open day":        presenceMessage("t1", `{"tenant_id":"t1","employee_id":"e1","date":"2024-03-04","status":"incomplete"}`),
	}
	for name, msg := range cases {
		t.Run(name, func(t *testing.T) {
			starter := &stubStarter{}
			require.NoError(t, NewPresenceHandler(starter, quietLogger()).Handle(context.Background(), msg))
			require.Empty(t, starter.requests)
		})
	}
}

func TestPresenceHandlerErrorClasses(t *testing.T) {
	msg := presenceMessage("", `{"tenant_id":"t1","employee_id":"e1","date":"2024-03-04"}`)

	disabled := &stubStarter{err: domain.FeatureDisabled("auto import")}
	require.NoError(t, NewPresenceHandler(disabled, quietLogger()).Handle(context.Background(), msg))

	down := &stubStarter{err: errors.New("connection refused")}
	err := NewPresenceHandler(down, quietLogger()).Handle(context.Background(), msg)
	require.ErrorContains(t, err, "start import for e1@2024-03-04")
}
