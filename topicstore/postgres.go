package topicstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dcshock/topicpipe/pipeline"
)

//go:embed schema.sql
var schemaSQL string

// DBTX is the subset of pgxpool.Pool, pgx.Conn and pgx.Tx the store uses.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres is a pipeline.RecordStore over the topic_data table.
type Postgres struct {
	db DBTX
}

// NewPostgres returns a store using db (e.g. a *pgxpool.Pool).
func NewPostgres(db DBTX) *Postgres {
	return &Postgres{db: db}
}

// Migrate creates the topic_data table if needed.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate topic_data: %w", err)
	}
	return nil
}

// KeyField implements pipeline.RecordStore.
func (s *Postgres) KeyField() string { return KeyField }

const findRecord = `
SELECT id_, version, data FROM topic_data
WHERE topic = $1 AND data @> $2::jsonb
ORDER BY created_at, id_
LIMIT 1`

// FindRecord returns the oldest record of topic whose data contains match.
func (s *Postgres) FindRecord(ctx context.Context, topic string, match map[string]any) (pipeline.Record, bool, error) {
	if match == nil {
		match = map[string]any{}
	}
	matchJSON, err := json.Marshal(match)
	if err != nil {
		return pipeline.Record{}, false, fmt.Errorf("marshal match: %w", err)
	}
	return s.one(ctx, "find", topic, findRecord, topic, string(matchJSON))
}

const getRecord = `SELECT id_, version, data FROM topic_data WHERE topic = $1 AND id_ = $2`

// Get returns the record of topic with the given key.
func (s *Postgres) Get(ctx context.Context, topic, key string) (pipeline.Record, bool, error) {
	return s.one(ctx, "get", topic, getRecord, topic, key)
}

func (s *Postgres) one(ctx context.Context, op, topic, sql string, args ...any) (pipeline.Record, bool, error) {
	var r pipeline.Record
	err := s.db.QueryRow(ctx, sql, args...).Scan(&r.Key, &r.Version, &r.Data)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.Record{}, false, nil
	}
	if err != nil {
		return pipeline.Record{}, false, fmt.Errorf("%s %s record: %w", op, topic, err)
	}
	return r, true, nil
}

const insertRecord = `INSERT INTO topic_data (topic, id_, data) VALUES ($1, $2, $3::jsonb) RETURNING version`

// InsertRecord stores data under a new uuid key.
func (s *Postgres) InsertRecord(ctx context.Context, topic string, data map[string]any) (pipeline.Record, error) {
	key := uuid.NewString()
	d := clone(data)
	d[KeyField] = key
	body, err := json.Marshal(d)
	if err != nil {
		return pipeline.Record{}, fmt.Errorf("marshal %s record: %w", topic, err)
	}
	r := pipeline.Record{Key: key}
	if err := s.db.QueryRow(ctx, insertRecord, topic, key, string(body)).Scan(&r.Version); err != nil {
		return pipeline.Record{}, fmt.Errorf("insert %s record: %w", topic, err)
	}
	// Round-trip through JSON so callers see the same value types a later read returns.
	if err := json.Unmarshal(body, &r.Data); err != nil {
		return pipeline.Record{}, err
	}
	return r, nil
}

const updateRecord = `
UPDATE topic_data SET data = $4::jsonb, version = version + 1, updated_at = now()
WHERE topic = $1 AND id_ = $2 AND version = $3
RETURNING version`

// UpdateRecord shallow-merges data into rec and bumps the version. Zero
// updated rows means another writer got there first: pipeline.ErrConflict.
func (s *Postgres) UpdateRecord(ctx context.Context, topic string, rec pipeline.Record, data map[string]any) (pipeline.Record, error) {
	d := clone(rec.Data)
	for k, v := range data {
		d[k] = v
	}
	d[KeyField] = rec.Key
	body, err := json.Marshal(d)
	if err != nil {
		return pipeline.Record{}, fmt.Errorf("marshal %s record: %w", topic, err)
	}
	out := pipeline.Record{Key: rec.Key}
	err = s.db.QueryRow(ctx, updateRecord, topic, rec.Key, rec.Version, string(body)).Scan(&out.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.Record{}, fmt.Errorf("update %s/%s at version %d: %w", topic, rec.Key, rec.Version, pipeline.ErrConflict)
	}
	if err != nil {
		return pipeline.Record{}, fmt.Errorf("update %s record: %w", topic, err)
	}
	if err := json.Unmarshal(body, &out.Data); err != nil {
		return pipeline.Record{}, err
	}
	return out, nil
}

var _ pipeline.RecordStore = (*Postgres)(nil)
