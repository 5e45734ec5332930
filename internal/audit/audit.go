// internal/audit/audit.go

// Package audit appends versioned lifecycle events to the audit_events table inside
// the caller's transaction, so an event exists exactly when the change it records does.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"libralend/internal/storage/sqlerr"
)

const (
	Table = "audit_events"

	timestampLayout = "2006-01-02T15:04:05.000Z07:00"
)

var (
	ErrConcurrencyConflict = errors.New("concurrency conflict: version mismatch")
	ErrInvalidVersion      = errors.New("invalid version number")
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Event is one recorded change of an aggregate.
type Event struct {
	ID            int64           `json:"id"`
	AggregateID   uuid.UUID       `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     string          `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	ActorID       uuid.UUID       `json:"actor_id"`
	Version       int             `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
}

// NewEvent encodes payload as the event data.
func NewEvent(eventType string, actor uuid.UUID, payload any) (Event, error) {
	data, err := codec.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return Event{EventType: eventType, ActorID: actor, EventData: data}, nil
}

// Decode unmarshals the event data into v.
func (e Event) Decode(v any) error {
	return codec.Unmarshal(e.EventData, v)
}

type eventRow struct {
	ID            int64     `db:"id"`
	AggregateID   uuid.UUID `db:"aggregate_id"`
	AggregateType string    `db:"aggregate_type"`
	EventType     string    `db:"event_type"`
	EventData     string    `db:"event_data"`
	ActorID       uuid.UUID `db:"actor_id"`
	Version       int       `db:"version"`
	CreatedAt     string    `db:"created_at"`
}

func (r eventRow) event() (Event, error) {
	createdAt, err := time.Parse(timestampLayout, r.CreatedAt)
	if err != nil {
		return Event{}, fmt.Errorf("parse created_at of event %d: %w", r.ID, err)
	}
	return Event{
		ID:            r.ID,
		AggregateID:   r.AggregateID,
		AggregateType: r.AggregateType,
		EventType:     r.EventType,
		EventData:     json.RawMessage(r.EventData),
		ActorID:       r.ActorID,
		Version:       r.Version,
		CreatedAt:     createdAt,
	}, nil
}

// Log reads and writes audit events. It never opens transactions of its own.
type Log struct {
	dialect goqu.DialectWrapper
	tracer  trace.Tracer
	now     func() time.Time
}

// NewLog creates a log that builds SQL for the goqu dialect name ("postgres" or "sqlite3").
func NewLog(dialect string) *Log {
	return &Log{
		dialect: goqu.Dialect(dialect),
		tracer:  otel.Tracer("libralend/audit"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Append adds events with versions following expectedVersion. It fails with
// ErrConcurrencyConflict when the aggregate has moved past expectedVersion.
func (l *Log) Append(ctx context.Context, q sqlx.ExtContext, aggregateID uuid.UUID, aggregateType string, expectedVersion int, events ...Event) error {
	ctx, span := l.tracer.Start(ctx, "audit.append",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID.String()),
			attribute.String("aggregate.type", aggregateType),
			attribute.Int("expected.version", expectedVersion),
			attribute.Int("event.count", len(events)),
		),
	)
	defer span.End()

	if expectedVersion < 0 {
		return ErrInvalidVersion
	}

	currentVersion, err := l.CurrentVersion(ctx, q, aggregateID)
	if err != nil {
		return err
	}
	if currentVersion != expectedVersion {
		span.SetAttributes(
			attribute.Int("actual.version", currentVersion),
			attribute.Bool("conflict.detected", true),
		)
		return ErrConcurrencyConflict
	}

	createdAt := l.now().Format(timestampLayout)
	for i, event := range events {
		version := expectedVersion + i + 1
		data := string(event.EventData)
		if data == "" {
			data = "{}"
		}

		query, args, err := l.dialect.Insert(Table).Prepared(true).Rows(goqu.Record{
			"aggregate_id":   aggregateID,
			"aggregate_type": aggregateType,
			"event_type":     event.EventType,
			"event_data":     data,
			"actor_id":       event.ActorID,
			"version":        version,
			"created_at":     createdAt,
		}).ToSQL()
		if err != nil {
			return fmt.Errorf("build insert event: %w", err)
		}

		if _, err := q.ExecContext(ctx, query, args...); err != nil {
			if sqlerr.IsUniqueViolation(err) {
				return ErrConcurrencyConflict
			}
			return fmt.Errorf("insert event %d: %w", i, err)
		}

		span.AddEvent("event.appended", trace.WithAttributes(
			attribute.Int("event.version", version),
			attribute.String("event.type", event.EventType),
		))
	}

	return nil
}

// CurrentVersion returns the latest version of an aggregate, or 0 if it has no events.
func (l *Log) CurrentVersion(ctx context.Context, q sqlx.QueryerContext, aggregateID uuid.UUID) (int, error) {
	query, args, err := l.dialect.From(Table).Prepared(true).
		Select(goqu.COALESCE(goqu.MAX("version"), 0)).
		Where(goqu.C("aggregate_id").Eq(aggregateID)).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build version query: %w", err)
	}

	var version int
	if err := sqlx.GetContext(ctx, q, &version, query, args...); err != nil {
		return 0, fmt.Errorf("query version: %w", err)
	}
	return version, nil
}

// Load returns the events of an aggregate from fromVersion on, oldest first.
func (l *Log) Load(ctx context.Context, q sqlx.QueryerContext, aggregateID uuid.UUID, fromVersion int) ([]Event, error) {
	ctx, span := l.tracer.Start(ctx, "audit.load",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID.String()),
			attribute.Int("from.version", fromVersion),
		),
	)
	defer span.End()

	query, args, err := l.dialect.From(Table).Prepared(true).
		Select("id", "aggregate_id", "aggregate_type", "event_type", "event_data", "actor_id", "version", "created_at").
		Where(
			goqu.C("aggregate_id").Eq(aggregateID),
			goqu.C("version").Gte(fromVersion),
		).
		Order(goqu.C("version").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build load query: %w", err)
	}

	events, err := l.query(ctx, q, query, args)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("events.loaded", len(events)))
	return events, nil
}

// Stream returns up to batchSize events with an ID above fromID, in insertion order.
func (l *Log) Stream(ctx context.Context, q sqlx.QueryerContext, fromID int64, batchSize int) ([]Event, error) {
	ctx, span := l.tracer.Start(ctx, "audit.stream",
		trace.WithAttributes(
			attribute.Int64("from.id", fromID),
			attribute.Int("batch.size", batchSize),
		),
	)
	defer span.End()

	query, args, err := l.dialect.From(Table).Prepared(true).
		Select("id", "aggregate_id", "aggregate_type", "event_type", "event_data", "actor_id", "version", "created_at").
		Where(goqu.C("id").Gt(fromID)).
		Order(goqu.C("id").Asc()).
		Limit(uint(batchSize)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build stream query: %w", err)
	}

	events, err := l.query(ctx, q, query, args)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("events.streamed", len(events)))
	return events, nil
}

func (l *Log) query(ctx context.Context, q sqlx.QueryerContext, query string, args []any) ([]Event, error) {
	var rows []eventRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}

	events := make([]Event, 0, len(rows))
	for _, r := range rows {
		e, err := r.event()
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

// Schema returns the DDL of the audit table for the goqu dialect name.
func Schema(dialect string) string {
	id := "BIGSERIAL PRIMARY KEY"
	if dialect == "sqlite3" {
		id = "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	return `CREATE TABLE IF NOT EXISTS ` + Table + ` (
		id ` + id + `,
		aggregate_id TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		event_type TEXT NOT NULL,
		event_data TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (aggregate_id, version)
	)`
}
