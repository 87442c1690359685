package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"beaconmap/telemetry-server/internal/geo"
	"beaconmap/telemetry-server/internal/model"
	"beaconmap/telemetry-server/internal/store"
)

// BatchContext holds the state shared by the resolvers while one batch is
// processed. It is built at batch start and dropped when the batch completes.
type BatchContext struct {
	schema store.Schema

	// beaconIDs maps a client beacon reference to the beacon it resolved to.
	beaconIDs map[string]int64
	// batchGPS is the first valid position seen for each client reference.
	batchGPS map[string]geo.Point
	// gpsUpdated marks beacons whose position was already reconciled.
	gpsUpdated map[int64]bool
	types      map[string]int64

	resp     *model.IngestResponse
	failures []model.IngestionError
}

// NewBatchContext returns an empty context writing with schema.
func NewBatchContext(schema store.Schema) *BatchContext {
	return &BatchContext{
		schema:     schema,
		beaconIDs:  make(map[string]int64),
		batchGPS:   make(map[string]geo.Point),
		gpsUpdated: make(map[int64]bool),
		types:      make(map[string]int64),
		resp: &model.IngestResponse{
			Status:           "ok",
			CreatedBeaconIDs: []int64{},
			BeaconIDMap:      []model.BeaconIDMapping{},
			ColumnMapping:    schema.ColumnMapping(),
			Errors:           []model.SensorError{},
		},
	}
}

// Response returns the tally accumulated so far.
func (bc *BatchContext) Response() *model.IngestResponse {
	return bc.resp
}

// Failures returns the errors to persist in the ingestion error log.
func (bc *BatchContext) Failures() []model.IngestionError {
	return bc.failures
}

// remember records the resolution of a client reference and reports it in the
// response when the stored id differs from what the client sent.
func (bc *BatchContext) remember(ref beaconRef, id int64) {
	prev, seen := bc.beaconIDs[ref.key]
	bc.beaconIDs[ref.key] = id
	if seen && prev == id {
		return
	}
	if ref.id == id {
		return
	}
	bc.resp.BeaconIDMap = append(bc.resp.BeaconIDMap, model.BeaconIDMapping{Original: ref.raw, Actual: id})
}

func (bc *BatchContext) beaconCreated(id int64) {
	bc.resp.BeaconsCreated++
	bc.resp.CreatedBeaconIDs = append(bc.resp.CreatedBeaconIDs, id)
}

func (bc *BatchContext) fail(sensor sensorInput, err error) {
	bc.resp.Errors = append(bc.resp.Errors, model.SensorError{
		SensorType: sensor.block.SensorType,
		BeaconID:   sensor.block.BeaconID,
		Error:      err.Error(),
	})
	bc.failures = append(bc.failures, model.IngestionError{
		BeaconRef:  string(sensor.block.BeaconID),
		SensorType: sensor.block.SensorType,
		Payload:    string(sensor.raw),
		Error:      err.Error(),
	})
}

// sensorInput is one element of the sensors array, decoded once at batch start.
type sensorInput struct {
	raw       json.RawMessage
	block     model.SensorBlock
	decodeErr error
	ref       beaconRef
	hasRef    bool
	gps       *geo.Point
}

func decodeSensor(raw json.RawMessage) sensorInput {
	in := sensorInput{raw: raw}

	if err := json.Unmarshal(raw, &in.block); err != nil {
		in.decodeErr = fmt.Errorf("invalid sensor block: %w", err)
		return in
	}

	ref, ok, err := parseBeaconRef(in.block.BeaconID)
	if err != nil {
		in.decodeErr = err
		return in
	}
	in.ref, in.hasRef = ref, ok

	if g := in.block.GPS; g != nil && g.Lat != nil && g.Lon != nil {
		p := geo.Point{Lat: *g.Lat, Lon: *g.Lon}
		if p.Valid() {
			in.gps = &p
		}
	}
	return in
}

var errInvalidBeaconRef = errors.New("invalid beacon_id")

// beaconRef is a client supplied beacon reference. Positive integers, as JSON
// numbers or digit strings, designate a beacon id; anything else is a serial.
type beaconRef struct {
	raw    json.RawMessage
	key    string
	id     int64
	serial string
}

func parseBeaconRef(raw json.RawMessage) (beaconRef, bool, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return beaconRef{}, false, nil
	}

	ref := beaconRef{raw: trimmed}

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return beaconRef{}, false, errInvalidBeaconRef
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return beaconRef{}, false, nil
		}
		ref.key = s
	default:
		var n json.Number
		if err := json.Unmarshal(trimmed, &n); err != nil {
			return beaconRef{}, false, errInvalidBeaconRef
		}
		ref.key = n.String()
	}

	if id, err := strconv.ParseInt(ref.key, 10, 64); err == nil && id > 0 {
		ref.id = id
		ref.key = strconv.FormatInt(id, 10)
		return ref, true, nil
	}

	ref.serial = ref.key
	return ref, true, nil
}
