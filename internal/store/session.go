package store

import (
	"context"
	"database/sql"

	"beaconmap/telemetry-server/internal/model"
)

// Session is a single connection checked out for the duration of one ingestion
// batch. Statements run in autocommit mode: a failing statement affects only itself.
type Session struct {
	conn *sql.Conn
	exec executor
}

// Close returns the connection to the pool.
func (s *Session) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// Schema returns the column mapping the session writes with.
func (s *Session) Schema() Schema {
	return s.exec.schema
}

// BeaconByID returns the beacon with the given id or ErrNotFound.
func (s *Session) BeaconByID(ctx context.Context, id int64) (model.Beacon, error) {
	return s.exec.beaconByID(ctx, id)
}

// BeaconBySerial returns the oldest beacon carrying serial or ErrNotFound.
func (s *Session) BeaconBySerial(ctx context.Context, serial string) (model.Beacon, error) {
	return s.exec.beaconBySerial(ctx, serial)
}

// CreateBeacon inserts b and returns its id. A positive b.ID is kept as the row id.
func (s *Session) CreateBeacon(ctx context.Context, b model.Beacon) (int64, error) {
	return s.exec.createBeacon(ctx, b)
}

// UpdateBeaconPosition overwrites the stored position of a beacon.
func (s *Session) UpdateBeaconPosition(ctx context.Context, id int64, lat, lon float64) error {
	return s.exec.updateBeaconPosition(ctx, id, lat, lon)
}

// BeaconLocations lists every beacon with its effective position: the average of
// its measurements' positions when known, otherwise its stored position.
func (s *Session) BeaconLocations(ctx context.Context) ([]model.BeaconLocation, error) {
	return s.exec.beaconLocations(ctx)
}

// TypeIDByName returns the id of the type named name or ErrNotFound.
func (s *Session) TypeIDByName(ctx context.Context, name string) (int64, error) {
	return s.exec.typeIDByName(ctx, name)
}

// CreateType inserts a type with empty optional fields and returns its id.
func (s *Session) CreateType(ctx context.Context, name string) (int64, error) {
	return s.exec.createType(ctx, name)
}

// MeasurementExists reports whether a row with the same dedup key is stored.
func (s *Session) MeasurementExists(ctx context.Context, m model.Measurement) (bool, error) {
	return s.exec.measurementExists(ctx, m)
}

// InsertMeasurement stores m. It reports false when a conflicting row already existed.
func (s *Session) InsertMeasurement(ctx context.Context, m model.Measurement) (bool, error) {
	return s.exec.insertMeasurement(ctx, m)
}
