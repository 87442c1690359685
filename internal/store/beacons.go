package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"beaconmap/telemetry-server/internal/model"
)

const beaconColumns = `id, serial, name, description, latitude, longitude, created_at`

// Type names averaged on the beacon detail view.
const (
	TempTypeName     = "TEMP_S"
	PressureTypeName = "PRESSURE_S"
	HumidityTypeName = "HUMIDITY_S"
)

// recentAverageWindow is how many of the latest readings feed the detail averages.
const recentAverageWindow = 10

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBeacon(row rowScanner) (model.Beacon, error) {
	var (
		b           model.Beacon
		name        sql.NullString
		description sql.NullString
		lat, lon    sql.NullFloat64
		createdAt   string
	)

	if err := row.Scan(&b.ID, &b.Serial, &name, &description, &lat, &lon, &createdAt); err != nil {
		return model.Beacon{}, err
	}

	b.Name = name.String
	b.Description = description.String
	if lat.Valid && lon.Valid {
		b.Latitude = nullableFloat(lat)
		b.Longitude = nullableFloat(lon)
	}
	b.CreatedAt = parseStoredTime(createdAt)
	return b, nil
}

func (e executor) beaconByID(ctx context.Context, id int64) (model.Beacon, error) {
	row := e.q.QueryRowContext(ctx, e.bind(`SELECT `+beaconColumns+` FROM beacons WHERE id = ?;`), id)
	b, err := scanBeacon(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Beacon{}, ErrNotFound
	}
	if err != nil {
		return model.Beacon{}, fmt.Errorf("get beacon %d: %w", id, err)
	}
	return b, nil
}

func (e executor) beaconBySerial(ctx context.Context, serial string) (model.Beacon, error) {
	row := e.q.QueryRowContext(ctx,
		e.bind(`SELECT `+beaconColumns+` FROM beacons WHERE serial = ? ORDER BY id ASC LIMIT 1;`), serial)
	b, err := scanBeacon(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Beacon{}, ErrNotFound
	}
	if err != nil {
		return model.Beacon{}, fmt.Errorf("get beacon by serial: %w", err)
	}
	return b, nil
}

func (e executor) createBeacon(ctx context.Context, b model.Beacon) (int64, error) {
	var (
		id  int64
		err error
	)

	if b.ID > 0 {
		err = e.q.QueryRowContext(ctx,
			e.bind(`INSERT INTO beacons (id, serial, name, description, latitude, longitude)
			 VALUES (?, ?, ?, ?, ?, ?) RETURNING id;`),
			b.ID, b.Serial, b.Name, b.Description, b.Latitude, b.Longitude,
		).Scan(&id)
		if err == nil && e.dialect == DialectPostgres {
			// explicit ids do not advance the serial sequence
			_, err = e.q.ExecContext(ctx,
				`SELECT setval(pg_get_serial_sequence('beacons', 'id'), (SELECT MAX(id) FROM beacons))`)
		}
	} else {
		err = e.q.QueryRowContext(ctx,
			e.bind(`INSERT INTO beacons (serial, name, description, latitude, longitude)
			 VALUES (?, ?, ?, ?, ?) RETURNING id;`),
			b.Serial, b.Name, b.Description, b.Latitude, b.Longitude,
		).Scan(&id)
	}
	if err != nil {
		return 0, fmt.Errorf("insert beacon: %w", err)
	}
	return id, nil
}

func (e executor) updateBeaconPosition(ctx context.Context, id int64, lat, lon float64) error {
	res, err := e.q.ExecContext(ctx,
		e.bind(`UPDATE beacons SET latitude = ?, longitude = ? WHERE id = ?;`), lat, lon, id)
	if err != nil {
		return fmt.Errorf("update beacon position: %w", err)
	}
	return requireAffected(res)
}

func (e executor) beaconLocations(ctx context.Context) ([]model.BeaconLocation, error) {
	query := `SELECT id, latitude, longitude, NULL, NULL FROM beacons ORDER BY id;`
	if e.schema.HasPosition {
		query = fmt.Sprintf(
			`SELECT b.id, b.latitude, b.longitude, AVG(m.lat), AVG(m.lon)
			 FROM beacons b
			 LEFT JOIN %s m ON m.%s = b.id
			 GROUP BY b.id, b.latitude, b.longitude
			 ORDER BY b.id;`,
			measurementsTable, quoteIdent(e.schema.BeaconColumn))
	}

	rows, err := e.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query beacon locations: %w", err)
	}
	defer rows.Close()

	var locations []model.BeaconLocation
	for rows.Next() {
		var (
			id             int64
			lat, lon       sql.NullFloat64
			avgLat, avgLon sql.NullFloat64
		)
		if err := rows.Scan(&id, &lat, &lon, &avgLat, &avgLon); err != nil {
			return nil, fmt.Errorf("scan beacon location: %w", err)
		}

		switch {
		case avgLat.Valid && avgLon.Valid:
			locations = append(locations, model.BeaconLocation{ID: id, Lat: avgLat.Float64, Lon: avgLon.Float64})
		case lat.Valid && lon.Valid:
			locations = append(locations, model.BeaconLocation{ID: id, Lat: lat.Float64, Lon: lon.Float64})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate beacon locations: %w", err)
	}
	return locations, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListBeacons returns every beacon ordered by id.
func (s *Store) ListBeacons(ctx context.Context) ([]model.Beacon, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+beaconColumns+` FROM beacons ORDER BY id;`)
	if err != nil {
		return nil, fmt.Errorf("query beacons: %w", err)
	}
	defer rows.Close()

	beacons := []model.Beacon{}
	for rows.Next() {
		b, err := scanBeacon(rows)
		if err != nil {
			return nil, fmt.Errorf("scan beacon: %w", err)
		}
		beacons = append(beacons, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate beacons: %w", err)
	}
	return beacons, nil
}

// Beacon returns a single beacon or ErrNotFound.
func (s *Store) Beacon(ctx context.Context, id int64) (model.Beacon, error) {
	if s.db == nil {
		return model.Beacon{}, fmt.Errorf("store not initialized")
	}
	return s.executor().beaconByID(ctx, id)
}

// BeaconDetail returns a beacon with the averages of its latest temperature,
// pressure and humidity readings and the timestamp of its latest reading.
func (s *Store) BeaconDetail(ctx context.Context, id int64) (model.BeaconDetail, error) {
	if s.db == nil {
		return model.BeaconDetail{}, fmt.Errorf("store not initialized")
	}

	e := s.executor()
	b, err := e.beaconByID(ctx, id)
	if err != nil {
		return model.BeaconDetail{}, err
	}

	detail := model.BeaconDetail{Beacon: b}
	if e.schema.HasType() {
		if detail.AvgTemp, err = e.recentAverage(ctx, id, TempTypeName); err != nil {
			return model.BeaconDetail{}, err
		}
		if detail.AvgPressure, err = e.recentAverage(ctx, id, PressureTypeName); err != nil {
			return model.BeaconDetail{}, err
		}
		if detail.AvgHumidity, err = e.recentAverage(ctx, id, HumidityTypeName); err != nil {
			return model.BeaconDetail{}, err
		}
	}

	if detail.LastUpdate, err = e.lastUpdate(ctx, id); err != nil {
		return model.BeaconDetail{}, err
	}
	return detail, nil
}

// LastUpdate returns the latest reading timestamp of a beacon, nil when it has none.
func (s *Store) LastUpdate(ctx context.Context, id int64) (*string, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	return s.executor().lastUpdate(ctx, id)
}

// UpdateBeaconName sets the display name of a beacon.
func (s *Store) UpdateBeaconName(ctx context.Context, id int64, name string) error {
	return s.updateBeaconText(ctx, id, "name", name)
}

// UpdateBeaconDescription sets the description of a beacon.
func (s *Store) UpdateBeaconDescription(ctx context.Context, id int64, description string) error {
	return s.updateBeaconText(ctx, id, "description", description)
}

func (s *Store) updateBeaconText(ctx context.Context, id int64, column, value string) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	e := s.executor()
	res, err := e.q.ExecContext(ctx,
		e.bind(fmt.Sprintf(`UPDATE beacons SET %s = ? WHERE id = ?;`, quoteIdent(column))), value, id)
	if err != nil {
		return fmt.Errorf("update beacon %s: %w", column, err)
	}
	return requireAffected(res)
}

func (e executor) recentAverage(ctx context.Context, beaconID int64, typeName string) (*float64, error) {
	query := fmt.Sprintf(
		`SELECT AVG(recent.v) FROM (
			SELECT m.%[1]s AS v
			FROM %[2]s m
			JOIN %[3]s t ON t.%[4]s = m.%[5]s
			WHERE m.%[6]s = ? AND t.name = ?
			ORDER BY m.%[7]s DESC
			LIMIT %[8]d
		) recent;`,
		quoteIdent(e.schema.ValueColumn),
		measurementsTable,
		typesTable,
		quoteIdent(e.schema.TypeIDColumn),
		quoteIdent(e.schema.TypeColumn),
		quoteIdent(e.schema.BeaconColumn),
		quoteIdent(e.schema.TimestampColumn),
		recentAverageWindow,
	)

	var avg sql.NullFloat64
	if err := e.q.QueryRowContext(ctx, e.bind(query), beaconID, typeName).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average %s: %w", typeName, err)
	}
	return nullableFloat(avg), nil
}

func (e executor) lastUpdate(ctx context.Context, beaconID int64) (*string, error) {
	query := fmt.Sprintf(`SELECT MAX(%s) FROM %s WHERE %s = ?;`,
		quoteIdent(e.schema.TimestampColumn), measurementsTable, quoteIdent(e.schema.BeaconColumn))

	var last sql.NullString
	if err := e.q.QueryRowContext(ctx, e.bind(query), beaconID).Scan(&last); err != nil {
		return nil, fmt.Errorf("last update: %w", err)
	}
	return nullableString(last), nil
}
