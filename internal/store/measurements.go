package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"beaconmap/telemetry-server/internal/model"
)

func (e executor) measurementExists(ctx context.Context, m model.Measurement) (bool, error) {
	var (
		where = []string{
			quoteIdent(e.schema.BeaconColumn) + " = ?",
			quoteIdent(e.schema.TimestampColumn) + " = ?",
		}
		args = []any{m.BeaconID, m.Timestamp}
	)

	if e.schema.HasType() {
		if m.TypeID != nil {
			where = append(where, quoteIdent(e.schema.TypeColumn)+" = ?")
			args = append(args, *m.TypeID)
		} else {
			where = append(where, quoteIdent(e.schema.TypeColumn)+" IS NULL")
		}
	}

	query := fmt.Sprintf(`SELECT 1 FROM %s WHERE %s LIMIT 1;`, measurementsTable, strings.Join(where, " AND "))

	var one int
	err := e.q.QueryRowContext(ctx, e.bind(query), args...).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("check measurement: %w", err)
	}
	return true, nil
}

func (e executor) insertMeasurement(ctx context.Context, m model.Measurement) (bool, error) {
	cols := []string{quoteIdent(e.schema.BeaconColumn)}
	args := []any{m.BeaconID}

	if e.schema.HasType() {
		cols = append(cols, quoteIdent(e.schema.TypeColumn))
		args = append(args, m.TypeID)
	}

	cols = append(cols, quoteIdent(e.schema.ValueColumn), quoteIdent(e.schema.TimestampColumn))
	args = append(args, m.Value, m.Timestamp)

	if e.schema.HasPosition {
		cols = append(cols, "lat", "lon")
		args = append(args, m.Lat, m.Lon)
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING;`,
		measurementsTable, strings.Join(cols, ", "), placeholders(len(cols)))

	res, err := e.q.ExecContext(ctx, e.bind(query), args...)
	if err != nil {
		return false, fmt.Errorf("insert measurement: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// Series returns the readings of a beacon in ascending timestamp order. typeID
// filters by measurement type when the schema classifies measurements.
func (s *Store) Series(ctx context.Context, beaconID int64, typeID *int64) ([]model.SeriesPoint, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	e := s.executor()
	position := "NULL, NULL"
	if e.schema.HasPosition {
		position = "lat, lon"
	}

	where := quoteIdent(e.schema.BeaconColumn) + " = ?"
	args := []any{beaconID}
	if typeID != nil && e.schema.HasType() {
		where += " AND " + quoteIdent(e.schema.TypeColumn) + " = ?"
		args = append(args, *typeID)
	}

	query := fmt.Sprintf(`SELECT %[1]s, %[2]s, %[3]s FROM %[4]s WHERE %[5]s ORDER BY %[1]s ASC;`,
		quoteIdent(e.schema.TimestampColumn),
		quoteIdent(e.schema.ValueColumn),
		position,
		measurementsTable,
		where)

	rows, err := e.q.QueryContext(ctx, e.bind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query series: %w", err)
	}
	defer rows.Close()

	points := []model.SeriesPoint{}
	for rows.Next() {
		var (
			p        model.SeriesPoint
			lat, lon sql.NullFloat64
		)
		if err := rows.Scan(&p.Timestamp, &p.Value, &lat, &lon); err != nil {
			return nil, fmt.Errorf("scan series point: %w", err)
		}
		p.Lat = nullableFloat(lat)
		p.Lon = nullableFloat(lon)
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate series: %w", err)
	}
	return points, nil
}

// InsertIngestionError records a sensor block or payload that could not be ingested.
func (s *Store) InsertIngestionError(ctx context.Context, rec model.IngestionError) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	e := s.executor()
	_, err := e.q.ExecContext(ctx,
		e.bind(`INSERT INTO ingestion_errors (beacon_ref, sensor_type, payload, error) VALUES (?, ?, ?, ?);`),
		rec.BeaconRef, rec.SensorType, rec.Payload, rec.Error)
	if err != nil {
		return fmt.Errorf("insert ingestion error: %w", err)
	}
	return nil
}

// RecentIngestionErrors returns the latest recorded ingestion errors, newest first.
func (s *Store) RecentIngestionErrors(ctx context.Context, limit int) ([]model.IngestionError, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	if limit <= 0 {
		limit = 50
	}

	e := s.executor()
	rows, err := e.q.QueryContext(ctx,
		e.bind(`SELECT beacon_ref, sensor_type, payload, error, created_at
		 FROM ingestion_errors ORDER BY id DESC LIMIT ?;`), limit)
	if err != nil {
		return nil, fmt.Errorf("query ingestion errors: %w", err)
	}
	defer rows.Close()

	records := []model.IngestionError{}
	for rows.Next() {
		var (
			rec        model.IngestionError
			beaconRef  sql.NullString
			sensorType sql.NullString
			payload    sql.NullString
			createdAt  string
		)
		if err := rows.Scan(&beaconRef, &sensorType, &payload, &rec.Error, &createdAt); err != nil {
			return nil, fmt.Errorf("scan ingestion error: %w", err)
		}
		rec.BeaconRef = beaconRef.String
		rec.SensorType = sensorType.String
		rec.Payload = payload.String
		rec.CreatedAt = parseStoredTime(createdAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ingestion errors: %w", err)
	}
	return records, nil
}
