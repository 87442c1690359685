package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"beaconmap/telemetry-server/internal/model"
)

func (e executor) typeIDByName(ctx context.Context, name string) (int64, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE name = ? LIMIT 1;`,
		quoteIdent(e.schema.TypeIDColumn), typesTable)

	var id int64
	err := e.q.QueryRowContext(ctx, e.bind(query), name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get type %q: %w", name, err)
	}
	return id, nil
}

func (e executor) createType(ctx context.Context, name string) (int64, error) {
	cols := []string{"name"}
	args := []any{name}
	if e.schema.TypeHasUnit {
		cols = append(cols, "unit")
		args = append(args, nil)
	}
	if e.schema.TypeHasDescription {
		cols = append(cols, "description")
		args = append(args, nil)
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) RETURNING %s;`,
		typesTable,
		strings.Join(cols, ", "),
		placeholders(len(cols)),
		quoteIdent(e.schema.TypeIDColumn))

	var id int64
	if err := e.q.QueryRowContext(ctx, e.bind(query), args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert type %q: %w", name, err)
	}
	return id, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (e executor) typeColumns() string {
	unit, description := "NULL", "NULL"
	if e.schema.TypeHasUnit {
		unit = "unit"
	}
	if e.schema.TypeHasDescription {
		description = "description"
	}
	return fmt.Sprintf("%s, name, %s, %s", quoteIdent(e.schema.TypeIDColumn), unit, description)
}

func scanType(row rowScanner) (model.MeasurementType, error) {
	var (
		t           model.MeasurementType
		unit        sql.NullString
		description sql.NullString
	)
	if err := row.Scan(&t.ID, &t.Name, &unit, &description); err != nil {
		return model.MeasurementType{}, err
	}
	t.Unit = nullableString(unit)
	t.Description = nullableString(description)
	return t, nil
}

// ListTypes returns every measurement type ordered by id.
func (s *Store) ListTypes(ctx context.Context) ([]model.MeasurementType, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	e := s.executor()
	rows, err := e.q.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM %s ORDER BY %s;`,
		e.typeColumns(), typesTable, quoteIdent(e.schema.TypeIDColumn)))
	if err != nil {
		return nil, fmt.Errorf("query types: %w", err)
	}
	defer rows.Close()

	types := []model.MeasurementType{}
	for rows.Next() {
		t, err := scanType(rows)
		if err != nil {
			return nil, fmt.Errorf("scan type: %w", err)
		}
		types = append(types, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate types: %w", err)
	}
	return types, nil
}

// Type returns a single measurement type or ErrNotFound.
func (s *Store) Type(ctx context.Context, id int64) (model.MeasurementType, error) {
	if s.db == nil {
		return model.MeasurementType{}, fmt.Errorf("store not initialized")
	}

	e := s.executor()
	row := e.q.QueryRowContext(ctx, e.bind(fmt.Sprintf(`SELECT %s FROM %s WHERE %s = ?;`,
		e.typeColumns(), typesTable, quoteIdent(e.schema.TypeIDColumn))), id)
	t, err := scanType(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.MeasurementType{}, ErrNotFound
	}
	if err != nil {
		return model.MeasurementType{}, fmt.Errorf("get type %d: %w", id, err)
	}
	return t, nil
}

// TypeIDByName resolves a type label outside of an ingestion batch.
func (s *Store) TypeIDByName(ctx context.Context, name string) (int64, error) {
	if s.db == nil {
		return 0, fmt.Errorf("store not initialized")
	}
	return s.executor().typeIDByName(ctx, name)
}
