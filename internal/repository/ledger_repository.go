package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"parking-anpr/internal/domain/anpr"
)

const maxMovementsPage = 100

var ErrListNotFound = errors.New("list not found")

type LedgerRepository struct {
	db *gorm.DB
}

func NewLedgerRepository(db *gorm.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

type Vehicle struct {
	Plate            string    `gorm:"primaryKey"`
	Status           string    `gorm:"not null"`
	LastMovementTime time.Time `gorm:"not null"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type Movement struct {
	ID           int64             `gorm:"primaryKey"`
	Plate        string            `gorm:"not null"`
	MovementType string            `gorm:"not null"`
	MovedAt      time.Time         `gorm:"not null"`
	Metadata     datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt    time.Time
}

type List struct {
	ID          int64  `gorm:"primaryKey"`
	Name        string `gorm:"not null;uniqueIndex"`
	Type        string `gorm:"not null"`
	Description *string
	CreatedAt   time.Time
}

type ListItem struct {
	ListID    int64  `gorm:"primaryKey"`
	Plate     string `gorm:"primaryKey"`
	Note      *string
	CreatedAt time.Time
}

func (r *LedgerRepository) Transact(ctx context.Context, fn func(tx anpr.LedgerTx) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&ledgerTx{db: tx})
	})
}

type ledgerTx struct {
	db *gorm.DB
}

func (t *ledgerTx) GetStatus(ctx context.Context, plate string) (anpr.VehicleStatus, bool, error) {
	// Serialises transitions of the same plate, including its first insert.
	if err := t.db.WithContext(ctx).Exec("SELECT pg_advisory_xact_lock(hashtext(?))", plate).Error; err != nil {
		return "", false, err
	}

	var v Vehicle
	err := t.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("plate = ?", plate).
		First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return anpr.VehicleStatus(v.Status), true, nil
}

func (t *ledgerTx) SetStatus(ctx context.Context, plate string, status anpr.VehicleStatus, at time.Time) error {
	v := Vehicle{
		Plate:            plate,
		Status:           string(status),
		LastMovementTime: at,
	}
	return t.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "plate"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "last_movement_time", "updated_at"}),
		}).
		Create(&v).Error
}

func (t *ledgerTx) AppendMovement(ctx context.Context, rec *anpr.MovementRecord) error {
	m := Movement{
		Plate:        rec.Plate,
		MovementType: string(rec.MovementType),
		MovedAt:      rec.Timestamp,
		CreatedAt:    time.Now(),
	}
	if len(rec.Metadata) > 0 {
		m.Metadata = datatypes.JSONMap(rec.Metadata)
	}
	if err := t.db.WithContext(ctx).Create(&m).Error; err != nil {
		return err
	}
	rec.ID = m.ID
	return nil
}

func (r *LedgerRepository) FindVehicles(ctx context.Context, filter anpr.VehicleFilter) ([]anpr.VehicleState, error) {
	query := r.db.WithContext(ctx).Model(&Vehicle{})
	if filter.Plate != nil {
		query = query.Where("plate = ?", *filter.Plate)
	}
	if filter.Status != nil {
		query = query.Where("status = ?", string(*filter.Status))
	}

	var rows []Vehicle
	if err := query.Order("last_movement_time DESC").Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]anpr.VehicleState, 0, len(rows))
	for _, v := range rows {
		out = append(out, anpr.VehicleState{
			Plate:            v.Plate,
			Status:           anpr.VehicleStatus(v.Status),
			LastMovementTime: v.LastMovementTime,
		})
	}
	return out, nil
}

func (r *LedgerRepository) FindMovements(ctx context.Context, filter anpr.MovementFilter) ([]anpr.MovementRecord, error) {
	query := r.db.WithContext(ctx).Model(&Movement{})

	if filter.Plate != nil {
		query = query.Where("plate = ?", *filter.Plate)
	}
	if filter.From != nil {
		query = query.Where("moved_at >= ?", *filter.From)
	}
	if filter.To != nil {
		query = query.Where("moved_at <= ?", *filter.To)
	}

	query = query.Order("moved_at DESC").Order("id DESC")

	if filter.Limit > 0 {
		query = query.Limit(min(filter.Limit, maxMovementsPage))
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var rows []Movement
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]anpr.MovementRecord, 0, len(rows))
	for _, m := range rows {
		out = append(out, anpr.MovementRecord{
			ID:           m.ID,
			Plate:        m.Plate,
			MovementType: anpr.MovementType(m.MovementType),
			Timestamp:    m.MovedAt,
			Metadata:     map[string]interface{}(m.Metadata),
		})
	}
	return out, nil
}

func (r *LedgerRepository) FindListsForPlate(ctx context.Context, plate string) ([]anpr.ListHit, error) {
	var hits []anpr.ListHit

	err := r.db.WithContext(ctx).
		Table("list_items").
		Select("lists.id as list_id, lists.name as list_name, lists.type as list_type").
		Joins("JOIN lists ON list_items.list_id = lists.id").
		Where("list_items.plate = ?", plate).
		Scan(&hits).Error

	if err != nil {
		return nil, err
	}

	return hits, nil
}

func (r *LedgerRepository) AddPlateToList(ctx context.Context, listName, plate string, note *string) error {
	var list List
	err := r.db.WithContext(ctx).Where("name = ?", listName).First(&list).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrListNotFound
	}
	if err != nil {
		return err
	}

	item := ListItem{
		ListID:    list.ID,
		Plate:     plate,
		Note:      note,
		CreatedAt: time.Now(),
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "list_id"}, {Name: "plate"}},
			DoUpdates: clause.AssignmentColumns([]string{"note"}),
		}).
		Create(&item).Error
}

var _ anpr.Ledger = (*LedgerRepository)(nil)
