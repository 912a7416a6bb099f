package sqlstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"codeblocks/internal/models"
	"codeblocks/internal/store"
)

// CodeBlock is the gorm row for a room.
type CodeBlock struct {
	ID           string `gorm:"primaryKey;size:64"`
	Title        string `gorm:"not null"`
	Code         string `gorm:"type:text"`
	OriginalCode string `gorm:"type:text"`
	Solution     string `gorm:"type:text"`
	MentorID     string `gorm:"size:64;not null;default:'';index"`
	StudentCount int    `gorm:"not null;default:0"`
}

func (CodeBlock) TableName() string { return "code_blocks" }

func (b *CodeBlock) room() *models.Room {
	return &models.Room{
		ID:           b.ID,
		Title:        b.Title,
		Code:         b.Code,
		OriginalCode: b.OriginalCode,
		Solution:     b.Solution,
		MentorID:     b.MentorID,
		StudentCount: b.StudentCount,
	}
}

var resetColumns = map[string]interface{}{
	"code":          gorm.Expr("original_code"),
	"student_count": 0,
	"mentor_id":     "",
}

// Store implements store.RoomStore with conditional UPDATE statements.
type Store struct {
	DB *gorm.DB
}

var _ store.RoomStore = (*Store)(nil)

// Open connects with the postgres or sqlite dialect and migrates the schema.
func Open(dialect, dsn string) (*Store, error) {
	var d gorm.Dialector
	switch dialect {
	case "postgres":
		d = postgres.Open(dsn)
	case "sqlite":
		d = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported sql dialect: %s", dialect)
	}
	db, err := gorm.Open(d, &gorm.Config{})
	if err != nil {
		return nil, err
	}
	return New(db)
}

func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&CodeBlock{}); err != nil {
		return nil, fmt.Errorf("migrate code_blocks: %w", err)
	}
	return &Store{DB: db}, nil
}

func (s *Store) get(db *gorm.DB, id string) (*models.Room, error) {
	var b CodeBlock
	err := db.First(&b, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, store.Unavailable("get", err)
	}
	return b.room(), nil
}

func (s *Store) Get(ctx context.Context, id string) (*models.Room, error) {
	return s.get(s.DB.WithContext(ctx), id)
}

func (s *Store) list(ctx context.Context, query *gorm.DB) ([]models.Room, error) {
	var rows []CodeBlock
	if err := query.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, store.Unavailable("list", err)
	}
	out := make([]models.Room, 0, len(rows))
	for i := range rows {
		out = append(out, *rows[i].room())
	}
	return out, nil
}

func (s *Store) List(ctx context.Context) ([]models.Room, error) {
	return s.list(ctx, s.DB)
}

func (s *Store) ListOccupied(ctx context.Context) ([]models.Room, error) {
	return s.list(ctx, s.DB.Where("mentor_id <> ''"))
}

func (s *Store) Create(ctx context.Context, room *models.Room) error {
	if room.ID == "" {
		room.ID = uuid.New().String()
	}
	row := CodeBlock{
		ID:           room.ID,
		Title:        room.Title,
		Code:         room.Code,
		OriginalCode: room.OriginalCode,
		Solution:     room.Solution,
		MentorID:     room.MentorID,
		StudentCount: room.StudentCount,
	}
	return store.Unavailable("create", s.DB.WithContext(ctx).Create(&row).Error)
}

func (s *Store) SetCode(ctx context.Context, id, code string) error {
	res := s.DB.WithContext(ctx).Model(&CodeBlock{}).Where("id = ?", id).Update("code", code)
	if res.Error != nil {
		return store.Unavailable("set code", res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) TryAssignMentor(ctx context.Context, id, connID string) (bool, *models.Room, error) {
	if connID == "" {
		return false, nil, errors.New("assign mentor: empty connection id")
	}
	var (
		assigned bool
		room     *models.Room
	)
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&CodeBlock{}).
			Where("id = ? AND (mentor_id = '' OR mentor_id = ?)", id, connID).
			Update("mentor_id", connID)
		if res.Error != nil {
			return store.Unavailable("assign mentor", res.Error)
		}
		assigned = res.RowsAffected == 1
		var err error
		room, err = s.get(tx, id)
		return err
	})
	if err != nil {
		return false, nil, err
	}
	return assigned, room, nil
}

func (s *Store) IncrementStudentCount(ctx context.Context, id string, delta int) (int, error) {
	var count int
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&CodeBlock{}).Where("id = ?", id).Update("student_count",
			gorm.Expr("CASE WHEN student_count + ? < 0 THEN 0 ELSE student_count + ? END", delta, delta))
		if res.Error != nil {
			return store.Unavailable("increment students", res.Error)
		}
		if res.RowsAffected == 0 {
			return store.ErrNotFound
		}
		room, err := s.get(tx, id)
		if err != nil {
			return err
		}
		count = room.StudentCount
		return nil
	})
	return count, err
}

func (s *Store) ClearMentorAndReset(ctx context.Context, id, expectedMentor string) (bool, error) {
	if expectedMentor == "" {
		return false, nil
	}
	db := s.DB.WithContext(ctx)
	res := db.Model(&CodeBlock{}).
		Where("id = ? AND mentor_id = ?", id, expectedMentor).
		Updates(resetColumns)
	if res.Error != nil {
		return false, store.Unavailable("clear mentor", res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}
	var n int64
	if err := db.Model(&CodeBlock{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return false, store.Unavailable("clear mentor", err)
	}
	if n == 0 {
		return false, store.ErrNotFound
	}
	return false, nil
}

func (s *Store) ResetAll(ctx context.Context) (int, error) {
	res := s.DB.WithContext(ctx).Model(&CodeBlock{}).Where("1 = 1").Updates(resetColumns)
	if res.Error != nil {
		return 0, store.Unavailable("reset all", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return store.Unavailable("ping", err)
	}
	return store.Unavailable("ping", sqlDB.PingContext(ctx))
}

func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
