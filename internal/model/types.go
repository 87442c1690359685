package model

import (
	"encoding/json"
	"time"
)

// GPS is a WGS84 coordinate pair reported by a sensor. A coordinate missing
// from the payload stays nil.
type GPS struct {
	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`
}

// Beacon is a physical sensor deployment.
type Beacon struct {
	ID          int64     `json:"id"`
	Serial      string    `json:"serial"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Latitude    *float64  `json:"latitude"`
	Longitude   *float64  `json:"longitude"`
	CreatedAt   time.Time `json:"created_at"`
}

// HasPosition reports whether both coordinates are stored.
func (b Beacon) HasPosition() bool {
	return b.Latitude != nil && b.Longitude != nil
}

// BeaconLocation is the effective position of a beacon used for GPS matching.
type BeaconLocation struct {
	ID  int64
	Lat float64
	Lon float64
}

// BeaconDetail is a beacon enriched with recent averages for the dashboard.
type BeaconDetail struct {
	Beacon
	AvgTemp     *float64 `json:"avgTemp"`
	AvgPressure *float64 `json:"avgPressure"`
	AvgHumidity *float64 `json:"avgHumidity"`
	LastUpdate  *string  `json:"last_update"`
}

// MeasurementType classifies a kind of reading.
type MeasurementType struct {
	ID          int64   `json:"id_type"`
	Name        string  `json:"name"`
	Unit        *string `json:"unit"`
	Description *string `json:"description"`
}

// Measurement is one reading ready to be persisted.
type Measurement struct {
	BeaconID  int64
	TypeID    *int64
	Value     float64
	Timestamp string
	Lat       *float64
	Lon       *float64
}

// SeriesPoint is one reading of a per-beacon, per-type series.
type SeriesPoint struct {
	Timestamp string   `json:"timestamp"`
	Value     float64  `json:"value"`
	Lat       *float64 `json:"lat"`
	Lon       *float64 `json:"lon"`
}

// IngestRequest is the body of the ingestion endpoint. Sensors are kept raw so a
// single malformed element does not reject the whole batch.
type IngestRequest struct {
	Sensors []json.RawMessage `json:"sensors"`
}

// SensorBlock groups the readings of one sensor.
type SensorBlock struct {
	SensorType   string          `json:"sensorType"`
	BeaconID     json.RawMessage `json:"beacon_id,omitempty"`
	GPS          *GPS            `json:"gps,omitempty"`
	Measurements []Reading       `json:"measurements"`
}

// Reading is one raw value as sent by a sensor.
type Reading struct {
	CurrentValue           *float64 `json:"currentValue"`
	HistoryAcquisitionTime string   `json:"historyAcquisitionTime"`
}

// BeaconIDMapping records a client-supplied beacon reference and the id it resolved to.
type BeaconIDMapping struct {
	Original json.RawMessage `json:"original"`
	Actual   int64           `json:"actual"`
}

// SensorError is a per-sensor or per-reading failure reported in a batch response.
type SensorError struct {
	SensorType string          `json:"sensorType"`
	BeaconID   json.RawMessage `json:"beacon_id,omitempty"`
	Error      string          `json:"error"`
}

// IngestResponse is the tally returned for a processed batch.
type IngestResponse struct {
	Status               string            `json:"status"`
	SensorsProcessed     int               `json:"sensorsProcessed"`
	MeasurementsInserted int               `json:"measurementsInserted"`
	MeasurementsSkipped  int               `json:"measurementsSkipped"`
	BeaconsCreated       int               `json:"beaconsCreated"`
	GPSUpdates           int               `json:"gpsUpdates"`
	TypesCreated         int               `json:"typesCreated"`
	CreatedBeaconIDs     []int64           `json:"createdBeaconIds"`
	BeaconIDMap          []BeaconIDMapping `json:"beaconIdMap"`
	ColumnMapping        map[string]string `json:"columnMapping"`
	Errors               []SensorError     `json:"errors"`
}

// ErrorResponse is returned when a batch is rejected as a whole.
type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// IngestionError captures a sensor block or payload that could not be ingested.
type IngestionError struct {
	BeaconRef  string    `json:"beacon_ref"`
	SensorType string    `json:"sensor_type"`
	Payload    string    `json:"payload"`
	Error      string    `json:"error"`
	CreatedAt  time.Time `json:"created_at"`
}
