package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/npezzotti/go-chatrelay/internal/types"
)

const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

type PgChatRepository struct {
	conn *sql.DB
}

func NewPgChatRepository(ctx context.Context, dsn string) (*PgChatRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return &PgChatRepository{conn: db}, nil
}

// DB exposes the underlying handle for migrations.
func (db *PgChatRepository) DB() *sql.DB {
	return db.conn
}

func (db *PgChatRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

func (db *PgChatRepository) Ping(ctx context.Context) error {
	if err := db.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", types.ErrUnavailable, err)
	}
	return nil
}

// translateError maps driver errors onto the chat error taxonomy.
func translateError(op string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, types.ErrNotFound)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqUniqueViolation:
			return fmt.Errorf("%s: %w: %s", op, types.ErrConflict, pqErr.Message)
		case pqForeignKeyViolation:
			return fmt.Errorf("%s: %w: %s", op, types.ErrNotFound, pqErr.Message)
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}

	return fmt.Errorf("%s: %w: %v", op, types.ErrUnavailable, err)
}
