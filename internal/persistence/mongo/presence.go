// Package mongo stores presence records in MongoDB. It serves deployments where the attendance
// capture system already writes presence documents; every other gateway stays in Postgres.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"example.com/reconciliation/internal/domain"
)

// DefaultCollection holds presence documents unless configured otherwise.
const DefaultCollection = "presence_records"

type breakDocument struct {
	Start       time.Time  `bson:"start"`
	End         *time.Time `bson:"end,omitempty"`
	Category    string     `bson:"category"`
	Description string     `bson:"description,omitempty"`
}

type presenceDocument struct {
	ID                  string          `bson:"_id"`
	TenantID            string          `bson:"tenant_id"`
	EmployeeID          string          `bson:"employee_id"`
	Date                string          `bson:"date"`
	ClockIn             *time.Time      `bson:"clock_in,omitempty"`
	ClockOut            *time.Time      `bson:"clock_out,omitempty"`
	Breaks              []breakDocument `bson:"breaks"`
	Status              string          `bson:"status"`
	PresenceMinutes     int             `bson:"presence_minutes"`
	BreakMinutes        int             `bson:"break_minutes"`
	WorkMinutes         int             `bson:"work_minutes"`
	TotalHours          bson.Decimal128 `bson:"total_hours"`
	AdjustedWorkMinutes *int            `bson:"adjusted_work_minutes,omitempty"`
	SystemGenerated     bool            `bson:"system_generated"`
	Source              string          `bson:"source,omitempty"`
	Notes               string          `bson:"notes,omitempty"`
	CreatedAt           time.Time       `bson:"created_at"`
	UpdatedAt           time.Time       `bson:"updated_at"`
}

func toDocument(r domain.PresenceRecord) (presenceDocument, error) {
	hours, err := bson.ParseDecimal128(r.TotalHours.String())
	if err != nil {
		return presenceDocument{}, fmt.Errorf("encode total hours: %w", err)
	}
	doc := presenceDocument{
		ID:                  r.ID,
		TenantID:            r.TenantID,
		EmployeeID:          r.EmployeeID,
		Date:                r.Date,
		ClockIn:             r.ClockIn,
		ClockOut:            r.ClockOut,
		Breaks:              make([]breakDocument, 0, len(r.Breaks)),
		Status:              string(r.Status),
		PresenceMinutes:     r.PresenceMinutes,
		BreakMinutes:        r.BreakMinutes,
		WorkMinutes:         r.WorkMinutes,
		TotalHours:          hours,
		AdjustedWorkMinutes: r.AdjustedWorkMinutes,
		SystemGenerated:     r.SystemGenerated,
		Source:              r.Source,
		Notes:               r.Notes,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
	for _, b := range r.Breaks {
		doc.Breaks = append(doc.Breaks, breakDocument(b))
	}
	return doc, nil
}

func (d presenceDocument) record() (domain.PresenceRecord, error) {
	hours, err := decimal.NewFromString(d.TotalHours.String())
	if err != nil {
		return domain.PresenceRecord{}, fmt.Errorf("decode total hours of %s: %w", d.ID, err)
	}
	r := domain.PresenceRecord{
		ID:                  d.ID,
		TenantID:            d.TenantID,
		EmployeeID:          d.EmployeeID,
		Date:                d.Date,
		ClockIn:             d.ClockIn,
		ClockOut:            d.ClockOut,
		Breaks:              make([]domain.Break, 0, len(d.Breaks)),
		Status:              domain.PresenceStatus(d.Status),
		PresenceMinutes:     d.PresenceMinutes,
		BreakMinutes:        d.BreakMinutes,
		WorkMinutes:         d.WorkMinutes,
		TotalHours:          hours,
		AdjustedWorkMinutes: d.AdjustedWorkMinutes,
		SystemGenerated:     d.SystemGenerated,
		Source:              d.Source,
		Notes:               d.Notes,
		CreatedAt:           d.CreatedAt,
		UpdatedAt:           d.UpdatedAt,
	}
	for _, b := range d.Breaks {
		r.Breaks = append(r.Breaks, domain.Break(b))
	}
	return r, nil
}

// PresenceStore implements domain.PresenceRepository on a MongoDB collection.
type PresenceStore struct {
	coll *mongo.Collection
}

var _ domain.PresenceRepository = (*PresenceStore)(nil)

// NewPresenceStore wraps coll. Call EnsureIndexes once before serving writes.
func NewPresenceStore(coll *mongo.Collection) *PresenceStore {
	return &PresenceStore{coll: coll}
}

// EnsureIndexes creates the unique employee/day index that makes synthesis insert-only and the
// listing index used by range scans.
func (s *PresenceStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "tenant_id", Value: 1}, {Key: "employee_id", Value: 1}, {Key: "date", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("tenant_employee_date"),
		},
		{
			Keys:    bson.D{{Key: "tenant_id", Value: 1}, {Key: "date", Value: 1}, {Key: "_id", Value: 1}},
			Options: options.Index().SetName("tenant_date_id"),
		},
	})
	if err != nil {
		return fmt.Errorf("create presence indexes: %w", err)
	}
	return nil
}

// rangeFilter selects the documents of tenantID inside q, strictly after cursor.
func rangeFilter(tenantID string, q domain.RangeQuery, cursor *domain.Cursor) bson.D {
	filter := bson.D{{Key: "tenant_id", Value: tenantID}}
	date := bson.D{}
	if q.DateFrom != "" {
		date = append(date, bson.E{Key: "$gte", Value: q.DateFrom})
	}
	if q.DateTo != "" {
		date = append(date, bson.E{Key: "$lte", Value: q.DateTo})
	}
	if len(date) > 0 {
		filter = append(filter, bson.E{Key: "date", Value: date})
	}
	if len(q.EmployeeIDs) > 0 {
		filter = append(filter, bson.E{Key: "employee_id", Value: bson.D{{Key: "$in", Value: q.EmployeeIDs}}})
	}
	if cursor != nil {
		filter = append(filter, bson.E{Key: "$or", Value: bson.A{
			bson.D{{Key: "date", Value: bson.D{{Key: "$gt", Value: cursor.Key}}}},
			bson.D{{Key: "date", Value: cursor.Key}, {Key: "_id", Value: bson.D{{Key: "$gt", Value: cursor.ID}}}},
		}})
	}
	return filter
}

// ListPresence pages records ordered by day and id.
func (s *PresenceStore) ListPresence(ctx context.Context, tenantID string, q domain.RangeQuery, cursor *domain.Cursor, limit int) ([]domain.PresenceRecord, *domain.Cursor, error) {
	if limit <= 0 {
		limit = 100
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "date", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(limit + 1))
	cur, err := s.coll.Find(ctx, rangeFilter(tenantID, q, cursor), opts)
	if err != nil {
		return nil, nil, fmt.Errorf("find presence: %w", err)
	}
	var docs []presenceDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, nil, fmt.Errorf("decode presence: %w", err)
	}

	records := make([]domain.PresenceRecord, 0, len(docs))
	for _, d := range docs {
		r, err := d.record()
		if err != nil {
			return nil, nil, err
		}
		records = append(records, r)
	}
	if len(records) <= limit {
		return records, nil, nil
	}
	records = records[:limit]
	last := records[limit-1]
	return records, &domain.Cursor{Key: last.Date, ID: last.ID}, nil
}

// GetPresence returns the record of employeeID on date.
func (s *PresenceStore) GetPresence(ctx context.Context, tenantID, employeeID, date string) (*domain.PresenceRecord, error) {
	var doc presenceDocument
	err := s.coll.FindOne(ctx, bson.D{
		{Key: "tenant_id", Value: tenantID},
		{Key: "employee_id", Value: employeeID},
		{Key: "date", Value: date},
	}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get presence: %w", err)
	}
	r, err := doc.record()
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// InsertPresence creates a record. A duplicate employee/day maps to domain.ErrPresenceExists.
func (s *PresenceStore) InsertPresence(ctx context.Context, record domain.PresenceRecord) error {
	doc, err := toDocument(record)
	if err != nil {
		return err
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.ErrPresenceExists
		}
		return fmt.Errorf("insert presence: %w", err)
	}
	return nil
}

// SetAdjustedWorkMinutes overrides the work time of a record and refreshes its hours.
func (s *PresenceStore) SetAdjustedWorkMinutes(ctx context.Context, tenantID, recordID string, minutes int, at time.Time) error {
	hours, err := bson.ParseDecimal128(domain.HoursFromMinutes(minutes).String())
	if err != nil {
		return fmt.Errorf("encode total hours: %w", err)
	}
	res, err := s.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: recordID}, {Key: "tenant_id", Value: tenantID}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "adjusted_work_minutes", Value: minutes},
			{Key: "total_hours", Value: hours},
			{Key: "updated_at", Value: at},
		}}},
	)
	if err != nil {
		return fmt.Errorf("adjust presence: %w", err)
	}
	if res.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}
