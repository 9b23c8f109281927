package mongo

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"example.com/reconciliation/internal/domain"
)

func TestDocumentKeepsDecimalHoursAndOpenBreaks(t *testing.T) {
	in := time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)
	out := in.Add(9 * time.Hour)
	breakEnd := in.Add(4*time.Hour + 30*time.Minute)
	record := domain.PresenceRecord{
		ID:         "p-1",
		TenantID:   "t1",
		EmployeeID: "e1",
		Date:       "2024-03-04",
		ClockIn:    &in,
		ClockOut:   &out,
		Breaks: []domain.Break{
			{Start: in.Add(4 * time.Hour), End: &breakEnd, Category: "lunch"},
			{Start: in.Add(7 * time.Hour), Category: "personal"},
		},
		Status:      domain.PresenceStatusPresent,
		WorkMinutes: 510,
		TotalHours:  decimal.RequireFromString("8.5"),
	}

	doc, err := toDocument(record)
	require.NoError(t, err)
	require.Equal(t, "8.5", doc.TotalHours.String())
	require.Nil(t, doc.Breaks[1].End)

	back, err := doc.record()
	require.NoError(t, err)
	require.True(t, back.TotalHours.Equal(record.TotalHours))
	require.Equal(t, record.Breaks, back.Breaks)
	require.Equal(t, record.Key(), back.Key())
}

func TestRangeFilterAddsKeysetClause(t *testing.T) {
	q := domain.RangeQuery{DateFrom: "2024-03-01", DateTo: "2024-03-31", EmployeeIDs: []string{"e1"}}
	filter := rangeFilter("t1", q, &domain.Cursor{Key: "2024-03-05", ID: "p-9"})

	require.Equal(t, bson.D{
		{Key: "tenant_id", Value: "t1"},
		{Key: "date", Value: bson.D{{Key: "$gte", Value: "2024-03-01"}, {Key: "$lte", Value: "2024-03-31"}}},
		{Key: "employee_id", Value: bson.D{{Key: "$in", Value: []string{"e1"}}}},
		{Key: "$or", Value: bson.A{
			bson.D{{Key: "date", Value: bson.D{{Key: "$gt", Value: "2024-03-05"}}}},
			bson.D{{Key: "date", Value: "2024-03-05"}, {Key: "_id", Value: bson.D{{Key: "$gt", Value: "p-9"}}}},
		}},
	}, filter)
}

func TestRangeFilterOpenRange(t *testing.T) {
	require.Equal(t, bson.D{{Key: "tenant_id", Value: "t1"}}, rangeFilter("t1", domain.RangeQuery{}, nil))
}
