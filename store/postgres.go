package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
)

const uniqueViolation = "23505"

const schema = `
create table if not exists analysis_results (
	id           text primary key,
	filename     text not null,
	file_size    bigint not null,
	content_type text not null,
	result       jsonb not null,
	created_at   timestamptz not null default now()
)`

type PostgresRepository struct{ DB *sql.DB }

// OpenPostgres connects with the pgx driver and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresRepository, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresRepository{DB: db}, nil
}

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.DB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Save(ctx context.Context, rec Record) error {
	js, err := json.Marshal(rec.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	const q = `
insert into analysis_results(id, filename, file_size, content_type, result, created_at)
values ($1,$2,$3,$4,$5,$6)`
	_, err = r.DB.ExecContext(ctx, q, rec.ID, rec.Filename, rec.FileSize, rec.ContentType, js, rec.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrDuplicate
	}
	return err
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (Record, error) {
	const q = `select id, filename, file_size, content_type, result, created_at
	           from analysis_results where id=$1`
	var (
		rec Record
		js  []byte
	)
	err := r.DB.QueryRowContext(ctx, q, id).Scan(&rec.ID, &rec.Filename, &rec.FileSize, &rec.ContentType, &js, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	if err := json.Unmarshal(js, &rec.Result); err != nil {
		return Record{}, fmt.Errorf("decode stored result: %w", err)
	}
	return rec, nil
}

func (r *PostgresRepository) Close() error { return r.DB.Close() }

var _ Repository = (*PostgresRepository)(nil)
