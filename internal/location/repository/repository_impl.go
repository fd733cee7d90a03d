package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/fieldtrack/internal/location/domain"
	"github.com/smallbiznis/fieldtrack/internal/observability/metrics"
	"gorm.io/gorm"
)

type repo struct {
	storeMetrics *metrics.StoreMetrics
}

// Provide returns the gorm-backed position store. storeMetrics may be nil.
func Provide(storeMetrics *metrics.StoreMetrics) domain.Repository {
	return &repo{storeMetrics: storeMetrics}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *domain.PositionRecord) (err error) {
	defer r.observe(metrics.StoreOperationInsert, time.Now(), &err)
	return db.WithContext(ctx).Create(record).Error
}

// FindLatestByEntity returns nil when the entity has no records.
func (r *repo) FindLatestByEntity(ctx context.Context, db *gorm.DB, entityID string) (_ *domain.PositionRecord, err error) {
	defer r.observe(metrics.StoreOperationLatestByEntity, time.Now(), &err)

	var rows []domain.PositionRecord
	err = db.WithContext(ctx).
		Where("entity_id = ?", entityID).
		Order("observed_at DESC").
		Order("id DESC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// FindLastRecordedByEntity returns the entity's most recently accepted record,
// ordered by server receive time, or nil when there is none.
func (r *repo) FindLastRecordedByEntity(ctx context.Context, db *gorm.DB, entityID string) (_ *domain.PositionRecord, err error) {
	defer r.observe(metrics.StoreOperationLastRecorded, time.Now(), &err)

	var rows []domain.PositionRecord
	err = db.WithContext(ctx).
		Where("entity_id = ?", entityID).
		Order("recorded_at DESC").
		Order("id DESC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// FindLatestPerEntitySince returns each entity's newest record when that record
// was observed at or after since, newest first.
func (r *repo) FindLatestPerEntitySince(ctx context.Context, db *gorm.DB, since time.Time) (_ []domain.PositionRecord, err error) {
	defer r.observe(metrics.StoreOperationLatestPerEntity, time.Now(), &err)

	var rows []domain.PositionRecord
	err = db.WithContext(ctx).Raw(
		`SELECT p.id, p.entity_id, p.latitude, p.longitude, p.accuracy, p.battery_level, p.observed_at, p.recorded_at
		 FROM position_records p
		 JOIN (
		   SELECT entity_id, MAX(observed_at) AS max_observed_at
		   FROM position_records
		   WHERE observed_at >= ?
		   GROUP BY entity_id
		 ) latest ON latest.entity_id = p.entity_id AND latest.max_observed_at = p.observed_at
		 ORDER BY p.observed_at DESC, p.entity_id ASC, p.id DESC`,
		since.UTC(),
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return dedupeByEntity(rows), nil
}

func (r *repo) ListByEntity(ctx context.Context, db *gorm.DB, filter domain.HistoryFilter) (_ []*domain.PositionRecord, err error) {
	defer r.observe(metrics.StoreOperationHistory, time.Now(), &err)

	q := db.WithContext(ctx).
		Model(&domain.PositionRecord{}).
		Where("entity_id = ?", filter.EntityID)
	if filter.From != nil {
		q = q.Where("observed_at >= ?", filter.From.UTC())
	}
	if filter.To != nil {
		q = q.Where("observed_at <= ?", filter.To.UTC())
	}
	if filter.CursorObservedAt != nil {
		at := filter.CursorObservedAt.UTC()
		q = q.Where("(observed_at < ? OR (observed_at = ? AND id < ?))", at, at, filter.CursorID)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var rows []*domain.PositionRecord
	if err := q.Order("observed_at DESC").Order("id DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// dedupeByEntity keeps the first row per entity. Rows arrive with the highest
// id first when two records share the newest observed_at.
func dedupeByEntity(rows []domain.PositionRecord) []domain.PositionRecord {
	seen := make(map[string]struct{}, len(rows))
	out := rows[:0]
	for _, row := range rows {
		if _, dup := seen[row.EntityID]; dup {
			continue
		}
		seen[row.EntityID] = struct{}{}
		out = append(out, row)
	}
	return out
}

func (r *repo) observe(operation string, start time.Time, err *error) {
	r.storeMetrics.Observe(operation, time.Since(start), *err)
}
