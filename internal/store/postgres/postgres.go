// Package postgres is the transactional Session Store. Each Store.Tx is one
// database transaction and the session row is read FOR UPDATE, so concurrent
// operations on one game are linearized by PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/DoyleJ11/tictactoe-backend/internal/store"
)

const (
	pgUniqueViolation    = "23505"
	pgSerializationError = "40001"
	pgDeadlockDetected   = "40P01"
)

// ErrConflict reports a transaction the database aborted to keep it serializable.
var ErrConflict = errors.New("transaction conflict")

type Options struct {
	MaxConns int32
	Logger   *zap.Logger
}

type Store struct {
	db   *gorm.DB
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open connects through a pgx pool and hands it to gorm.
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: stdlib.OpenDBFromPool(pool)}), &gorm.Config{
		Logger: logger.New(zap.NewStdLog(log.Named("gorm")), logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("open gorm: %w", err)
	}
	return &Store{db: db, pool: pool}, nil
}

// New wraps an existing gorm handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&gameRow{}, &playerRow{}); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *Store) Tx(ctx context.Context, fn func(store.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(&txn{db: db})
	})
}

func (s *Store) Close() error {
	var err error
	if sqlDB, dbErr := s.db.DB(); dbErr == nil {
		err = multierr.Append(err, sqlDB.Close())
	} else {
		err = multierr.Append(err, dbErr)
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return err
}

type txn struct {
	db *gorm.DB
}

func (t *txn) FindSession(gameID string) (store.Session, error) {
	var row gameRow
	err := t.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("game_id = ?", gameID).
		Take(&row).Error
	if err != nil {
		return store.Session{}, classify(err)
	}
	return row.session()
}

func (t *txn) CreateSession(s store.Session) error {
	row := fromSession(s)
	err := t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "game_id"}},
		DoNothing: true,
	}).Create(&row).Error
	return classify(err)
}

func (t *txn) PatchSession(gameID string, p store.SessionPatch) error {
	updates := sessionUpdates(p)
	updates["revision"] = gorm.Expr("revision + 1")
	res := t.db.Model(&gameRow{}).Where("game_id = ?", gameID).Updates(updates)
	return affected(res)
}

func (t *txn) DeleteSession(gameID string) error {
	res := t.db.Where("game_id = ?", gameID).Delete(&gameRow{})
	return affected(res)
}

func (t *txn) FindParticipant(participantID string) (store.Participant, error) {
	var row playerRow
	err := t.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("player_id = ?", participantID).
		Take(&row).Error
	if err != nil {
		return store.Participant{}, classify(err)
	}
	return row.participant(), nil
}

func (t *txn) FindParticipantsByGame(gameID string) ([]store.Participant, error) {
	var rows []playerRow
	if err := t.db.Where("game_id = ?", gameID).Order("player_id").Find(&rows).Error; err != nil {
		return nil, classify(err)
	}
	out := make([]store.Participant, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.participant())
	}
	return out, nil
}

func (t *txn) CreateParticipant(p store.Participant) error {
	row := fromParticipant(p)
	return classify(t.db.Create(&row).Error)
}

func (t *txn) PatchParticipant(participantID string, p store.ParticipantPatch) error {
	updates := participantUpdates(p)
	if len(updates) == 0 {
		_, err := t.FindParticipant(participantID)
		return err
	}
	res := t.db.Model(&playerRow{}).Where("player_id = ?", participantID).Updates(updates)
	return affected(res)
}

func (t *txn) DeleteParticipant(participantID string) error {
	res := t.db.Where("player_id = ?", participantID).Delete(&playerRow{})
	return affected(res)
}

func affected(res *gorm.DB) error {
	if res.Error != nil {
		return classify(res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// classify maps driver errors onto the store taxonomy, keeping the cause.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%w: %w", store.ErrAlreadyExists, err)
		case pgSerializationError, pgDeadlockDetected:
			return fmt.Errorf("%w: %w", ErrConflict, err)
		}
	}
	return err
}
