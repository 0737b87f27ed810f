package projections

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/backstage/services/catalog/models"
)

var (
	// ErrPositionRegression is returned when a save would move a projection backwards
	ErrPositionRegression = errors.New("projection position cannot move backwards")
	// ErrPositionReset is returned when a save carries a position read before the last reset
	ErrPositionReset = errors.New("projection position was reset")
)

// Position records the last event a projection has applied.
// Generation is bumped by every reset; a position may only be saved over one of
// the same generation.
type Position struct {
	ProjectionName  string    `json:"projection_name"`
	Generation      int64     `json:"generation"`
	LastEventID     uuid.UUID `json:"last_event_id"`
	LastSequence    int64     `json:"last_sequence"`
	EventsProcessed int64     `json:"events_processed"`
	LastProcessedAt time.Time `json:"last_processed_at"`
}

// PositionStore persists projection positions
type PositionStore interface {
	// GetPosition returns the position of a projection, or a zero position if it never ran
	GetPosition(ctx context.Context, name string) (Position, error)
	// SavePosition stores pos. Positions never move backwards and a position read
	// before a reset fails with ErrPositionReset.
	SavePosition(ctx context.Context, pos Position) error
	// ResetPosition moves a projection back to the start of the log and starts a new generation
	ResetPosition(ctx context.Context, name string) error
}

// TxResetter is implemented by GORM-backed projectors whose read model can be
// cleared inside the transaction that resets the position
type TxResetter interface {
	ResetTx(tx *gorm.DB) error
}

func checkSave(current, pos Position) error {
	if pos.Generation != current.Generation {
		return fmt.Errorf("%w: %s is at generation %d, got %d", ErrPositionReset,
			pos.ProjectionName, current.Generation, pos.Generation)
	}
	if pos.LastSequence < current.LastSequence {
		return fmt.Errorf("%w: %s at %d, got %d", ErrPositionRegression,
			pos.ProjectionName, current.LastSequence, pos.LastSequence)
	}
	return nil
}

// MemoryPositionStore keeps positions in process memory
type MemoryPositionStore struct {
	mu        sync.Mutex
	positions map[string]Position
}

var _ PositionStore = (*MemoryPositionStore)(nil)

// NewMemoryPositionStore creates an empty in-memory position store
func NewMemoryPositionStore() *MemoryPositionStore {
	return &MemoryPositionStore{positions: make(map[string]Position)}
}

// GetPosition returns the position of a projection
func (s *MemoryPositionStore) GetPosition(_ context.Context, name string) (Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[name]
	if !ok {
		return Position{ProjectionName: name}, nil
	}
	return pos, nil
}

// SavePosition stores pos
func (s *MemoryPositionStore) SavePosition(_ context.Context, pos Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.positions[pos.ProjectionName]
	if !ok {
		current = Position{ProjectionName: pos.ProjectionName}
	}
	if err := checkSave(current, pos); err != nil {
		return err
	}
	s.positions[pos.ProjectionName] = pos
	return nil
}

// ResetPosition moves a projection back to the start of the log
func (s *MemoryPositionStore) ResetPosition(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.positions[name] = Position{ProjectionName: name, Generation: s.positions[name].Generation + 1}
	return nil
}

// GormPositionStore implements PositionStore using GORM
type GormPositionStore struct {
	db *gorm.DB
}

var _ PositionStore = (*GormPositionStore)(nil)

// NewGormPositionStore creates a new GORM position store
func NewGormPositionStore(db *gorm.DB) *GormPositionStore {
	return &GormPositionStore{db: db}
}

// GetPosition returns the position of a projection
func (s *GormPositionStore) GetPosition(ctx context.Context, name string) (Position, error) {
	return getPosition(s.db.WithContext(ctx), name)
}

// SavePosition stores pos
func (s *GormPositionStore) SavePosition(ctx context.Context, pos Position) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := getPosition(tx.Clauses(clause.Locking{Strength: "UPDATE"}), pos.ProjectionName)
		if err != nil {
			return err
		}
		if err := checkSave(current, pos); err != nil {
			return err
		}
		return upsertPosition(tx, pos)
	})
}

// ResetPosition moves a projection back to the start of the log
func (s *GormPositionStore) ResetPosition(ctx context.Context, name string) error {
	return s.ResetPositionWith(ctx, name, nil)
}

// ResetPositionWith resets the position and runs fn in the same transaction
func (s *GormPositionStore) ResetPositionWith(ctx context.Context, name string, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := getPosition(tx.Clauses(clause.Locking{Strength: "UPDATE"}), name)
		if err != nil {
			return err
		}
		if err := upsertPosition(tx, Position{ProjectionName: name, Generation: current.Generation + 1}); err != nil {
			return err
		}
		if fn == nil {
			return nil
		}
		return fn(tx)
	})
}

func getPosition(db *gorm.DB, name string) (Position, error) {
	var row models.ProjectionPosition
	if err := db.Where("projection_name = ?", name).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Position{ProjectionName: name}, nil
		}
		return Position{}, fmt.Errorf("failed to load projection position: %w", err)
	}

	pos := Position{
		ProjectionName:  row.ProjectionName,
		Generation:      row.Generation,
		LastSequence:    row.LastSequence,
		EventsProcessed: row.EventsProcessed,
	}
	if row.LastEventID != "" {
		id, err := uuid.Parse(row.LastEventID)
		if err != nil {
			return Position{}, fmt.Errorf("invalid last event ID %q: %w", row.LastEventID, err)
		}
		pos.LastEventID = id
	}
	if row.LastProcessedAt != nil {
		pos.LastProcessedAt = row.LastProcessedAt.UTC()
	}
	return pos, nil
}

func upsertPosition(db *gorm.DB, pos Position) error {
	row := models.ProjectionPosition{
		ProjectionName:  pos.ProjectionName,
		Generation:      pos.Generation,
		LastSequence:    pos.LastSequence,
		EventsProcessed: pos.EventsProcessed,
	}
	if pos.LastEventID != uuid.Nil {
		row.LastEventID = pos.LastEventID.String()
	}
	if !pos.LastProcessedAt.IsZero() {
		t := pos.LastProcessedAt.UTC()
		row.LastProcessedAt = &t
	}

	err := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "projection_name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"generation", "last_event_id", "last_sequence", "events_processed", "last_processed_at", "updated_at",
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to save projection position: %w", err)
	}
	return nil
}
