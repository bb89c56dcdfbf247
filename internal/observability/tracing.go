package observability

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Tracer returns a tracer for the given name
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// StartSpan starts a new span from context
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, opts...)
}

// StartDBSpan starts a span for database operations
func StartDBSpan(ctx context.Context, operation, table string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("DB %s %s", operation, table),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation", operation),
			attribute.String("db.sql.table", table),
		),
	)
}

// StartServiceSpan starts a span for service operations
func StartServiceSpan(ctx context.Context, service, operation string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("%s.%s", service, operation),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("service.component", service),
			attribute.String("service.operation", operation),
		),
	)
}

// RecordError records an error on the span
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSuccess marks the span as successful
func SetSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// AddEvent adds an event to the span
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// DatabaseMetrics holds database-related metrics
type DatabaseMetrics struct {
	queryDuration   metric.Float64Histogram
	queryCount      metric.Int64Counter
	errorCount      metric.Int64Counter
	connectionCount metric.Int64UpDownCounter
}

// NewDatabaseMetrics creates database metrics instruments
func NewDatabaseMetrics() (*DatabaseMetrics, error) {
	meter := otel.Meter(instrumentationName)

	queryDuration, err := meter.Float64Histogram(
		"db.query.duration",
		metric.WithDescription("Database query duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	queryCount, err := meter.Int64Counter(
		"db.query.count",
		metric.WithDescription("Total number of database queries"),
		metric.WithUnit("{queries}"),
	)
	if err != nil {
		return nil, err
	}

	errorCount, err := meter.Int64Counter(
		"db.error.count",
		metric.WithDescription("Total number of database errors"),
		metric.WithUnit("{errors}"),
	)
	if err != nil {
		return nil, err
	}

	connectionCount, err := meter.Int64UpDownCounter(
		"db.connection.count",
		metric.WithDescription("Number of active database connections"),
		metric.WithUnit("{connections}"),
	)
	if err != nil {
		return nil, err
	}

	return &DatabaseMetrics{
		queryDuration:   queryDuration,
		queryCount:      queryCount,
		errorCount:      errorCount,
		connectionCount: connectionCount,
	}, nil
}

// RecordQuery records a database query metrics
func (m *DatabaseMetrics) RecordQuery(ctx context.Context, operation, table string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("db.operation", operation),
		attribute.String("db.sql.table", table),
	}

	m.queryCount.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.queryDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))

	if err != nil {
		m.errorCount.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// TraceDB wraps sql.DB with tracing
type TraceDB struct {
	db      *sql.DB
	metrics *DatabaseMetrics
}

// NewTraceDB creates a traced database wrapper
func NewTraceDB(db *sql.DB) (*TraceDB, error) {
	metrics, err := NewDatabaseMetrics()
	if err != nil {
		return nil, err
	}

	return &TraceDB{
		db:      db,
		metrics: metrics,
	}, nil
}

// QueryContext executes a query with tracing
func (t *TraceDB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	ctx, span := StartSpan(ctx, "DB Query",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.statement", truncateQuery(query)),
		),
	)
	defer span.End()

	start := time.Now()
	rows, err := t.db.QueryContext(ctx, query, args...)
	duration := time.Since(start)

	if err != nil {
		RecordError(span, err)
	} else {
		SetSuccess(span)
	}

	span.SetAttributes(attribute.Int64("db.query_duration_ms", duration.Milliseconds()))

	return rows, err
}

// ExecContext executes a statement with tracing
func (t *TraceDB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	ctx, span := StartSpan(ctx, "DB Exec",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.statement", truncateQuery(query)),
		),
	)
	defer span.End()

	start := time.Now()
	result, err := t.db.ExecContext(ctx, query, args...)
	duration := time.Since(start)

	if err != nil {
		RecordError(span, err)
	} else {
		SetSuccess(span)
		if rowsAffected, raErr := result.RowsAffected(); raErr == nil {
			span.SetAttributes(attribute.Int64("db.rows_affected", rowsAffected))
		}
	}

	span.SetAttributes(attribute.Int64("db.query_duration_ms", duration.Milliseconds()))

	return result, err
}

// QueryRowContext executes a query that returns a single row with tracing
func (t *TraceDB) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	ctx, span := StartSpan(ctx, "DB QueryRow",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.statement", truncateQuery(query)),
		),
	)
	// Note: span.End() should be called after scanning the row
	// This is a limitation of the sql.Row interface

	row := t.db.QueryRowContext(ctx, query, args...)
	span.End()
	return row
}

// DB returns the underlying database connection
func (t *TraceDB) DB() *sql.DB {
	return t.db
}

func truncateQuery(query string) string {
	if len(query) > 500 {
		return query[:500] + "..."
	}
	return query
}

// SyncMetrics holds custom sync-engine metrics
type SyncMetrics struct {
	sessionsStarted   metric.Int64Counter
	sessionsCompleted metric.Int64Counter
	sessionsFailed    metric.Int64Counter
	batchesApplied    metric.Int64Counter
	conflictsResolved metric.Int64Counter
	bytesTransferred  metric.Int64Counter
	peersKnown        metric.Int64UpDownCounter
}

// NewSyncMetrics creates sync metrics instruments
func NewSyncMetrics() (*SyncMetrics, error) {
	meter := otel.Meter(instrumentationName)

	sessionsStarted, err := meter.Int64Counter(
		"nodesync.sessions.started",
		metric.WithDescription("Total number of sync sessions started"),
		metric.WithUnit("{sessions}"),
	)
	if err != nil {
		return nil, err
	}

	sessionsCompleted, err := meter.Int64Counter(
		"nodesync.sessions.completed",
		metric.WithDescription("Total number of sync sessions completed"),
		metric.WithUnit("{sessions}"),
	)
	if err != nil {
		return nil, err
	}

	sessionsFailed, err := meter.Int64Counter(
		"nodesync.sessions.failed",
		metric.WithDescription("Total number of sync sessions failed"),
		metric.WithUnit("{sessions}"),
	)
	if err != nil {
		return nil, err
	}

	batchesApplied, err := meter.Int64Counter(
		"nodesync.batches.applied",
		metric.WithDescription("Total number of change batches applied"),
		metric.WithUnit("{batches}"),
	)
	if err != nil {
		return nil, err
	}

	conflictsResolved, err := meter.Int64Counter(
		"nodesync.conflicts.resolved",
		metric.WithDescription("Total number of conflicts resolved"),
		metric.WithUnit("{conflicts}"),
	)
	if err != nil {
		return nil, err
	}

	bytesTransferred, err := meter.Int64Counter(
		"nodesync.transfer.bytes",
		metric.WithDescription("Payload bytes transferred between nodes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	peersKnown, err := meter.Int64UpDownCounter(
		"nodesync.peers.known",
		metric.WithDescription("Number of peers in the directory"),
		metric.WithUnit("{peers}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		sessionsStarted:   sessionsStarted,
		sessionsCompleted: sessionsCompleted,
		sessionsFailed:    sessionsFailed,
		batchesApplied:    batchesApplied,
		conflictsResolved: conflictsResolved,
		bytesTransferred:  bytesTransferred,
		peersKnown:        peersKnown,
	}, nil
}

// SessionStarted records a started session
func (m *SyncMetrics) SessionStarted(ctx context.Context, direction string) {
	m.sessionsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}

// SessionCompleted records a completed session
func (m *SyncMetrics) SessionCompleted(ctx context.Context, direction string) {
	m.sessionsCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}

// SessionFailed records a failed session
func (m *SyncMetrics) SessionFailed(ctx context.Context, direction string) {
	m.sessionsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}

// BatchApplied records one committed batch at the destination
func (m *SyncMetrics) BatchApplied(ctx context.Context, originNodeID string, applied, conflicts int) {
	attrs := []attribute.KeyValue{
		attribute.String("origin_node_id", originNodeID),
	}
	m.batchesApplied.Add(ctx, 1, metric.WithAttributes(attrs...))
	if conflicts > 0 {
		m.conflictsResolved.Add(ctx, int64(conflicts), metric.WithAttributes(attrs...))
	}
}

// BytesTransferred records payload bytes moved in the given direction
func (m *SyncMetrics) BytesTransferred(ctx context.Context, direction string, n int64) {
	m.bytesTransferred.Add(ctx, n, metric.WithAttributes(attribute.String("direction", direction)))
}

// PeerSeen adjusts the known-peer gauge
func (m *SyncMetrics) PeerSeen(ctx context.Context, delta int64) {
	m.peersKnown.Add(ctx, delta)
}
