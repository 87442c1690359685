package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beaconmap/telemetry-server/internal/geo"
	"beaconmap/telemetry-server/internal/metrics"
	"beaconmap/telemetry-server/internal/model"
	"beaconmap/telemetry-server/internal/store"
)

const endToEndBatch = `{"sensors":[{"sensorType":"TEMP_S","beacon_id":1,"gps":{"lat":48.8566,"lon":2.3522},
	"measurements":[{"currentValue":10.1,"historyAcquisitionTime":"2025-11-01T10:00:00Z"}]}]}`

type fakeGeocoder struct {
	name  string
	err   error
	calls int
}

func (g *fakeGeocoder) ReverseName(ctx context.Context, lat, lon float64) (string, error) {
	g.calls++
	return g.name, g.err
}

type batchObservation struct {
	source  string
	outcome string
	resp    *model.IngestResponse
}

type recordingObserver struct {
	mu   sync.Mutex
	seen []batchObservation
}

func (o *recordingObserver) ObserveBatch(source, outcome string, resp *model.IngestResponse, elapsed time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen = append(o.seen, batchObservation{source: source, outcome: outcome, resp: resp})
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	st, err := store.Open(store.Options{Driver: store.DialectSQLite, Path: filepath.Join(t.TempDir(), "ingest.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	require.NoError(t, st.InitSchema(ctx))
	_, err = st.Introspect(ctx)
	require.NoError(t, err)
	return st
}

func newTestService(t *testing.T, st *store.Store, geocoder Geocoder) *Service {
	t.Helper()
	opts := Options{Logger: discardLogger()}
	if geocoder != nil {
		opts.Geocoder = geocoder
	}
	return NewService(st, opts)
}

func ingest(t *testing.T, svc *Service, body string) *model.IngestResponse {
	t.Helper()
	resp, err := svc.Ingest(context.Background(), "test", []byte(body))
	require.NoError(t, err)
	require.NotNil(t, resp)
	return resp
}

func seedBeacon(t *testing.T, st *store.Store, b model.Beacon) int64 {
	t.Helper()
	sess, err := st.Acquire(context.Background())
	require.NoError(t, err)
	defer sess.Close()

	id, err := sess.CreateBeacon(context.Background(), b)
	require.NoError(t, err)
	return id
}

func ptr[T any](v T) *T { return &v }

func TestIngestEndToEnd(t *testing.T) {
	st := newTestStore(t)
	svc := newTestService(t, st, nil)

	resp := ingest(t, svc, endToEndBatch)

	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.SensorsProcessed)
	assert.Equal(t, 1, resp.MeasurementsInserted)
	assert.Equal(t, 0, resp.MeasurementsSkipped)
	assert.Equal(t, 1, resp.TypesCreated)
	assert.Equal(t, 1, resp.BeaconsCreated)
	assert.Equal(t, 0, resp.GPSUpdates)
	assert.Equal(t, []int64{1}, resp.CreatedBeaconIDs)
	assert.Empty(t, resp.BeaconIDMap)
	assert.Empty(t, resp.Errors)
	assert.Equal(t, "id_beacon", resp.ColumnMapping["beacon"])

	ctx := context.Background()
	b, err := st.Beacon(ctx, 1)
	require.NoError(t, err)
	require.True(t, b.HasPosition())
	assert.InDelta(t, 48.8566, *b.Latitude, 1e-9)
	assert.InDelta(t, 2.3522, *b.Longitude, 1e-9)
	assert.True(t, strings.HasPrefix(b.Serial, "AUTO-"), b.Serial)

	typeID, err := st.TypeIDByName(ctx, "TEMP_S")
	require.NoError(t, err)
	series, err := st.Series(ctx, 1, &typeID)
	require.NoError(t, err)
	require.Len(t, series, 1)
	assert.Equal(t, "2025-11-01T10:00:00Z", series[0].Timestamp)
	assert.InDelta(t, 10.1, series[0].Value, 1e-9)
}

func TestIngestIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	svc := newTestService(t, st, nil)

	body := `{"sensors":[
		{"sensorType":"TEMP_S","beacon_id":3,"measurements":[
			{"currentValue":20.5,"historyAcquisitionTime":"2025-11-01T10:00:00Z"},
			{"currentValue":21.0,"historyAcquisitionTime":"2025-11-01T10:30:00Z"}]},
		{"sensorType":"HUMIDITY_S","beacon_id":3,"measurements":[
			{"currentValue":55,"historyAcquisitionTime":"2025-11-01T10:00:00Z"}]}]}`

	first := ingest(t, svc, body)
	assert.Equal(t, 3, first.MeasurementsInserted)

	second := ingest(t, svc, body)
	assert.Equal(t, 0, second.MeasurementsInserted)
	assert.Equal(t, 3, second.MeasurementsSkipped)
	assert.Equal(t, 0, second.BeaconsCreated)
	assert.Equal(t, 0, second.TypesCreated)
	assert.Equal(t, 2, second.SensorsProcessed)
	assert.Empty(t, second.Errors)
}

func TestIngestRelocationCreatesNewBeacon(t *testing.T) {
	st := newTestStore(t)
	svc := newTestService(t, st, nil)
	ctx := context.Background()

	ingest(t, svc, endToEndBatch)

	resp := ingest(t, svc, `{"sensors":[{"sensorType":"TEMP_S","beacon_id":1,"gps":{"lat":48.9,"lon":2.4},
		"measurements":[{"currentValue":12,"historyAcquisitionTime":"2025-11-02T10:00:00Z"}]}]}`)

	assert.Equal(t, 1, resp.BeaconsCreated)
	assert.Equal(t, 0, resp.GPSUpdates)
	require.Len(t, resp.CreatedBeaconIDs, 1)
	newID := resp.CreatedBeaconIDs[0]
	assert.NotEqual(t, int64(1), newID)
	require.Len(t, resp.BeaconIDMap, 1)
	assert.JSONEq(t, `1`, string(resp.BeaconIDMap[0].Original))
	assert.Equal(t, newID, resp.BeaconIDMap[0].Actual)

	original, err := st.Beacon(ctx, 1)
	require.NoError(t, err)
	assert.InDelta(t, 48.8566, *original.Latitude, 1e-9)
	assert.InDelta(t, 2.3522, *original.Longitude, 1e-9)

	relocated, err := st.Beacon(ctx, newID)
	require.NoError(t, err)
	assert.InDelta(t, 48.9, *relocated.Latitude, 1e-9)
	assert.InDelta(t, 2.4, *relocated.Longitude, 1e-9)

	series, err := st.Series(ctx, newID, nil)
	require.NoError(t, err)
	require.Len(t, series, 1)
	assert.Equal(t, "2025-11-02T10:00:00Z", series[0].Timestamp)
}

func TestIngestRelocationBatchCanBeResent(t *testing.T) {
	st := newTestStore(t)
	svc := newTestService(t, st, nil)

	ingest(t, svc, endToEndBatch)

	moved := `{"sensors":[{"sensorType":"TEMP_S","beacon_id":1,"gps":{"lat":48.9,"lon":2.4},
		"measurements":[{"currentValue":12,"historyAcquisitionTime":"2025-11-02T10:00:00Z"}]}]}`

	first := ingest(t, svc, moved)
	require.Len(t, first.CreatedBeaconIDs, 1)
	relocatedID := first.CreatedBeaconIDs[0]
	assert.Equal(t, 1, first.MeasurementsInserted)

	second := ingest(t, svc, moved)
	assert.Equal(t, 0, second.BeaconsCreated)
	assert.Empty(t, second.CreatedBeaconIDs)
	assert.Equal(t, 0, second.MeasurementsInserted)
	assert.Equal(t, 1, second.MeasurementsSkipped)
	assert.Equal(t, 0, second.GPSUpdates)
	require.Len(t, second.BeaconIDMap, 1)
	assert.Equal(t, relocatedID, second.BeaconIDMap[0].Actual)
	assert.Empty(t, second.Errors)

	beacons, err := st.ListBeacons(context.Background())
	require.NoError(t, err)
	assert.Len(t, beacons, 2)
}

func TestIngestSmallDriftUpdatesInPlace(t *testing.T) {
	st := newTestStore(t)
	svc := newTestService(t, st, nil)

	ingest(t, svc, endToEndBatch)

	// ~11 m north, followed by a second sensor of the same beacon further away:
	// only the first GPS-bearing sensor reconciles the position.
	resp := ingest(t, svc, `{"sensors":[
		{"sensorType":"TEMP_S","beacon_id":1,"gps":{"lat":48.8567,"lon":2.3522},
			"measurements":[{"currentValue":11,"historyAcquisitionTime":"2025-11-02T10:00:00Z"}]},
		{"sensorType":"HUMIDITY_S","beacon_id":1,"gps":{"lat":48.8568,"lon":2.3522},
			"measurements":[{"currentValue":60,"historyAcquisitionTime":"2025-11-02T10:00:00Z"}]}]}`)

	assert.Equal(t, 1, resp.GPSUpdates)
	assert.Equal(t, 0, resp.BeaconsCreated)
	assert.Equal(t, 2, resp.MeasurementsInserted)

	b, err := st.Beacon(context.Background(), 1)
	require.NoError(t, err)
	assert.InDelta(t, 48.8567, *b.Latitude, 1e-9)
}

func TestIngestExistingBeaconWithoutPositionGetsOne(t *testing.T) {
	st := newTestStore(t)
	id := seedBeacon(t, st, model.Beacon{ID: 5, Serial: "five"})
	svc := newTestService(t, st, nil)

	resp := ingest(t, svc, `{"sensors":[{"sensorType":"TEMP_S","beacon_id":5,"gps":{"lat":43.6,"lon":1.44},
		"measurements":[{"currentValue":18,"historyAcquisitionTime":"2025-11-01T10:00:00Z"}]}]}`)

	assert.Equal(t, 1, resp.GPSUpdates)
	assert.Equal(t, 0, resp.BeaconsCreated)

	b, err := st.Beacon(context.Background(), id)
	require.NoError(t, err)
	require.True(t, b.HasPosition())
	assert.InDelta(t, 43.6, *b.Latitude, 1e-9)
}

func TestIngestTypeCreatedOnce(t *testing.T) {
	st := newTestStore(t)
	svc := newTestService(t, st, nil)

	resp := ingest(t, svc, `{"sensors":[
		{"sensorType":"TEMP_S","beacon_id":1,"measurements":[{"currentValue":1,"historyAcquisitionTime":"2025-11-01T10:00:00Z"}]},
		{"sensorType":"TEMP_S","beacon_id":2,"measurements":[{"currentValue":2,"historyAcquisitionTime":"2025-11-01T10:00:00Z"}]}]}`)

	assert.Equal(t, 1, resp.TypesCreated)
	assert.Equal(t, 2, resp.MeasurementsInserted)

	ctx := context.Background()
	types, err := st.ListTypes(ctx)
	require.NoError(t, err)
	require.Len(t, types, 1)

	for _, beaconID := range []int64{1, 2} {
		series, err := st.Series(ctx, beaconID, &types[0].ID)
		require.NoError(t, err)
		assert.Len(t, series, 1, "beacon %d", beaconID)
	}
}

func TestIngestPartialFailureIsolation(t *testing.T) {
	st := newTestStore(t)
	svc := newTestService(t, st, nil)

	resp := ingest(t, svc, `{"sensors":[
		{"sensorType":"","beacon_id":1,"measurements":[{"currentValue":1,"historyAcquisitionTime":"2025-11-01T10:00:00Z"}]},
		{"sensorType":"TEMP_S","beacon_id":2,"measurements":[{"currentValue":2,"historyAcquisitionTime":"2025-11-01T10:00:00Z"}]},
		"not a sensor"]}`)

	assert.Equal(t, 1, resp.SensorsProcessed)
	assert.Equal(t, 1, resp.MeasurementsInserted)
	assert.Equal(t, 1, resp.MeasurementsSkipped)
	assert.Equal(t, 1, resp.BeaconsCreated, "malformed sensor has no beacon side effects")
	require.Len(t, resp.Errors, 2)
	assert.Equal(t, errMissingSensorType.Error(), resp.Errors[0].Error)
	assert.JSONEq(t, `1`, string(resp.Errors[0].BeaconID))

	recorded, err := st.RecentIngestionErrors(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, recorded, 2)
}

func TestIngestInvalidBatch(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty object", `{}`},
		{"empty sensors", `{"sensors":[]}`},
		{"null sensors", `{"sensors":null}`},
		{"sensors not an array", `{"sensors":"x"}`},
		{"top level array", `[{"sensorType":"TEMP_S"}]`},
		{"not json", `sensors=1`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newTestStore(t)
			obs := &recordingObserver{}
			svc := NewService(st, Options{Logger: discardLogger(), Observer: obs})

			resp, err := svc.Ingest(context.Background(), "http", []byte(tt.body))
			require.ErrorIs(t, err, ErrInvalidBatch)
			assert.Nil(t, resp)

			require.Len(t, obs.seen, 1)
			assert.Equal(t, metrics.OutcomeInvalid, obs.seen[0].outcome)

			recorded, err := st.RecentIngestionErrors(context.Background(), 10)
			require.NoError(t, err)
			require.Len(t, recorded, 1)
			assert.Equal(t, tt.body, recorded[0].Payload)
		})
	}
}

func TestIngestStoreUnavailable(t *testing.T) {
	st := newTestStore(t)
	obs := &recordingObserver{}
	svc := NewService(st, Options{Logger: discardLogger(), Observer: obs})
	require.NoError(t, st.Close())

	resp, err := svc.Ingest(context.Background(), "http", []byte(endToEndBatch))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrInvalidBatch))
	assert.Nil(t, resp)
	require.Len(t, obs.seen, 1)
	assert.Equal(t, metrics.OutcomeFailed, obs.seen[0].outcome)
}

func TestIngestGPSOnly(t *testing.T) {
	st := newTestStore(t)
	geocoder := &fakeGeocoder{name: "Place Bellecour, Lyon"}
	svc := newTestService(t, st, geocoder)
	ctx := context.Background()

	first := ingest(t, svc, `{"sensors":[{"sensorType":"TEMP_S","gps":{"lat":45.7578,"lon":4.8320},
		"measurements":[{"currentValue":15,"historyAcquisitionTime":"2025-11-01T10:00:00Z"}]}]}`)
	require.Equal(t, 1, first.BeaconsCreated)
	assert.Equal(t, 1, geocoder.calls)

	created, err := st.Beacon(ctx, first.CreatedBeaconIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "Place Bellecour, Lyon", created.Name)

	// ~3 m away: same beacon
	second := ingest(t, svc, `{"sensors":[{"sensorType":"TEMP_S","gps":{"lat":45.75783,"lon":4.8320},
		"measurements":[{"currentValue":16,"historyAcquisitionTime":"2025-11-01T10:30:00Z"}]}]}`)
	assert.Equal(t, 0, second.BeaconsCreated)
	assert.Equal(t, 1, second.MeasurementsInserted)
	assert.Equal(t, 1, geocoder.calls)

	series, err := st.Series(ctx, created.ID, nil)
	require.NoError(t, err)
	assert.Len(t, series, 2)

	// ~100 m away: a new beacon
	third := ingest(t, svc, `{"sensors":[{"sensorType":"TEMP_S","gps":{"lat":45.7587,"lon":4.8320},
		"measurements":[{"currentValue":17,"historyAcquisitionTime":"2025-11-01T11:00:00Z"}]}]}`)
	assert.Equal(t, 1, third.BeaconsCreated)
	assert.NotEqual(t, created.ID, third.CreatedBeaconIDs[0])
}

func TestIngestGPSOnlyGeocoderFailure(t *testing.T) {
	st := newTestStore(t)
	svc := newTestService(t, st, &fakeGeocoder{err: errors.New("timeout")})

	resp := ingest(t, svc, `{"sensors":[{"sensorType":"TEMP_S","gps":{"lat":47.2184,"lon":-1.5536},
		"measurements":[{"currentValue":15,"historyAcquisitionTime":"2025-11-01T10:00:00Z"}]}]}`)
	require.Equal(t, 1, resp.BeaconsCreated)
	assert.Empty(t, resp.Errors)

	b, err := st.Beacon(context.Background(), resp.CreatedBeaconIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "Beacon "+b.Serial, b.Name)
}

func TestIngestWithoutReferenceOrGPS(t *testing.T) {
	st := newTestStore(t)
	svc := newTestService(t, st, nil)

	resp := ingest(t, svc, `{"sensors":[{"sensorType":"TEMP_S","gps":{"lat":200,"lon":0},
		"measurements":[{"currentValue":1,"historyAcquisitionTime":"2025-11-01T10:00:00Z"}]}]}`)

	assert.Equal(t, 0, resp.SensorsProcessed)
	assert.Equal(t, 0, resp.BeaconsCreated)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, errNoBeaconReference.Error(), resp.Errors[0].Error)
}

func TestIngestIncompleteGPSCreatesNothing(t *testing.T) {
	st := newTestStore(t)
	svc := newTestService(t, st, &fakeGeocoder{name: "Null Island"})

	resp := ingest(t, svc, `{"sensors":[{"sensorType":"TEMP_S","gps":{},
		"measurements":[{"currentValue":9,"historyAcquisitionTime":"2025-11-01T10:00:00Z"}]}]}`)

	assert.Equal(t, 0, resp.BeaconsCreated)
	assert.Equal(t, 0, resp.MeasurementsInserted)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, errNoBeaconReference.Error(), resp.Errors[0].Error)

	beacons, err := st.ListBeacons(context.Background())
	require.NoError(t, err)
	assert.Empty(t, beacons)
}

func TestIngestIncompleteGPSKeepsKnownBeaconPosition(t *testing.T) {
	st := newTestStore(t)
	svc := newTestService(t, st, nil)

	ingest(t, svc, endToEndBatch)

	resp := ingest(t, svc, `{"sensors":[{"sensorType":"TEMP_S","beacon_id":1,"gps":{"lat":12.5},
		"measurements":[{"currentValue":9,"historyAcquisitionTime":"2025-11-03T10:00:00Z"}]}]}`)

	assert.Equal(t, 0, resp.BeaconsCreated)
	assert.Equal(t, 0, resp.GPSUpdates)
	assert.Equal(t, 1, resp.MeasurementsInserted)

	b, err := st.Beacon(context.Background(), 1)
	require.NoError(t, err)
	assert.InDelta(t, 48.8566, *b.Latitude, 1e-9)
	assert.InDelta(t, 2.3522, *b.Longitude, 1e-9)
}

func TestIngestBlankSensorTypeHasNoBeaconSideEffects(t *testing.T) {
	st := newTestStore(t)
	svc := newTestService(t, st, nil)

	resp := ingest(t, svc, `{"sensors":[{"sensorType":"   ","beacon_id":9,"gps":{"lat":45,"lon":5},
		"measurements":[{"currentValue":9,"historyAcquisitionTime":"2025-11-01T10:00:00Z"}]}]}`)

	assert.Equal(t, 0, resp.BeaconsCreated)
	assert.Equal(t, 0, resp.SensorsProcessed)
	assert.Equal(t, 1, resp.MeasurementsSkipped)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, errMissingSensorType.Error(), resp.Errors[0].Error)

	_, err := st.Beacon(context.Background(), 9)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestIngestUsesBatchGPSForNewReference(t *testing.T) {
	st := newTestStore(t)
	svc := newTestService(t, st, nil)

	resp := ingest(t, svc, `{"sensors":[
		{"sensorType":"TEMP_S","beacon_id":7,"measurements":[{"currentValue":1,"historyAcquisitionTime":"2025-11-01T10:00:00Z"}]},
		{"sensorType":"HUMIDITY_S","beacon_id":"7","gps":{"lat":44.8378,"lon":-0.5792},
			"measurements":[{"currentValue":70,"historyAcquisitionTime":"2025-11-01T10:00:00Z"}]}]}`)

	assert.Equal(t, 1, resp.BeaconsCreated)
	assert.Equal(t, 0, resp.GPSUpdates)
	assert.Equal(t, 2, resp.MeasurementsInserted)
	assert.Equal(t, []int64{7}, resp.CreatedBeaconIDs)

	b, err := st.Beacon(context.Background(), 7)
	require.NoError(t, err)
	require.True(t, b.HasPosition())
	assert.InDelta(t, 44.8378, *b.Latitude, 1e-9)
}

func TestIngestTextualReference(t *testing.T) {
	st := newTestStore(t)
	svc := newTestService(t, st, nil)
	body := `{"sensors":[{"sensorType":"CO2_S","beacon_id":"gateway-A",
		"measurements":[{"currentValue":410,"historyAcquisitionTime":"2025-11-01T10:00:00Z"}]}]}`

	first := ingest(t, svc, body)
	require.Equal(t, 1, first.BeaconsCreated)
	require.Len(t, first.BeaconIDMap, 1)
	assert.JSONEq(t, `"gateway-A"`, string(first.BeaconIDMap[0].Original))
	id := first.BeaconIDMap[0].Actual

	b, err := st.Beacon(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "gateway-A", b.Serial)

	second := ingest(t, svc, body)
	assert.Equal(t, 0, second.BeaconsCreated)
	assert.Equal(t, 1, second.MeasurementsSkipped)
	require.Len(t, second.BeaconIDMap, 1)
	assert.Equal(t, id, second.BeaconIDMap[0].Actual)
}

func TestIngestSkipsIncompleteReadings(t *testing.T) {
	st := newTestStore(t)
	svc := newTestService(t, st, nil)

	resp := ingest(t, svc, `{"sensors":[{"sensorType":"TEMP_S","beacon_id":1,"measurements":[
		{"historyAcquisitionTime":"2025-11-01T10:00:00Z"},
		{"currentValue":3},
		{"currentValue":4,"historyAcquisitionTime":"  "},
		{"currentValue":0,"historyAcquisitionTime":"2025-11-01T10:30:00Z"}]}]}`)

	assert.Equal(t, 1, resp.MeasurementsInserted)
	assert.Equal(t, 3, resp.MeasurementsSkipped)
	assert.Empty(t, resp.Errors)
}

func TestIngestObserverReceivesResponse(t *testing.T) {
	st := newTestStore(t)
	obs := &recordingObserver{}
	svc := NewService(st, Options{Logger: discardLogger(), Observer: obs})

	ingest(t, svc, endToEndBatch)

	require.Len(t, obs.seen, 1)
	assert.Equal(t, "test", obs.seen[0].source)
	assert.Equal(t, metrics.OutcomeOK, obs.seen[0].outcome)
	require.NotNil(t, obs.seen[0].resp)
	assert.Equal(t, 1, obs.seen[0].resp.MeasurementsInserted)
}

// failingRepo wraps a session and fails selected operations.
type failingRepo struct {
	Repository
	failInsertAt string
	failCreate   bool
	failLookup   bool
}

func (r failingRepo) InsertMeasurement(ctx context.Context, m model.Measurement) (bool, error) {
	if m.Timestamp == r.failInsertAt {
		return false, errors.New("disk full")
	}
	return r.Repository.InsertMeasurement(ctx, m)
}

func (r failingRepo) CreateBeacon(ctx context.Context, b model.Beacon) (int64, error) {
	if r.failCreate {
		return 0, errors.New("constraint failed")
	}
	return r.Repository.CreateBeacon(ctx, b)
}

func (r failingRepo) TypeIDByName(ctx context.Context, name string) (int64, error) {
	if r.failLookup {
		return 0, errors.New("connection reset")
	}
	return r.Repository.TypeIDByName(ctx, name)
}

func runWith(t *testing.T, st *store.Store, wrap func(Repository) Repository, body string) *model.IngestResponse {
	t.Helper()

	var req model.IngestRequest
	require.NoError(t, json.Unmarshal([]byte(body), &req))

	sess, err := st.Acquire(context.Background())
	require.NoError(t, err)
	defer sess.Close()

	svc := NewService(st, Options{Logger: discardLogger()})
	bc := NewBatchContext(sess.Schema())
	svc.run(context.Background(), wrap(sess), bc, req.Sensors)
	return bc.Response()
}

func TestWriterIsolatesReadingErrors(t *testing.T) {
	st := newTestStore(t)

	resp := runWith(t, st, func(r Repository) Repository {
		return failingRepo{Repository: r, failInsertAt: "2025-11-01T10:30:00Z"}
	}, `{"sensors":[{"sensorType":"TEMP_S","beacon_id":1,"measurements":[
		{"currentValue":1,"historyAcquisitionTime":"2025-11-01T10:00:00Z"},
		{"currentValue":2,"historyAcquisitionTime":"2025-11-01T10:30:00Z"},
		{"currentValue":3,"historyAcquisitionTime":"2025-11-01T11:00:00Z"}]}]}`)

	assert.Equal(t, 2, resp.MeasurementsInserted)
	require.Len(t, resp.Errors, 1)
	assert.Contains(t, resp.Errors[0].Error, "disk full")
	assert.Equal(t, "TEMP_S", resp.Errors[0].SensorType)
}

func TestBeaconCreationFailureIsPerSensor(t *testing.T) {
	st := newTestStore(t)

	resp := runWith(t, st, func(r Repository) Repository {
		return failingRepo{Repository: r, failCreate: true}
	}, `{"sensors":[
		{"sensorType":"TEMP_S","beacon_id":1,"measurements":[{"currentValue":1,"historyAcquisitionTime":"2025-11-01T10:00:00Z"}]},
		{"sensorType":"TEMP_S","beacon_id":2,"measurements":[{"currentValue":1,"historyAcquisitionTime":"2025-11-01T10:00:00Z"}]}]}`)

	assert.Equal(t, 0, resp.SensorsProcessed)
	assert.Equal(t, 0, resp.MeasurementsInserted)
	assert.Len(t, resp.Errors, 2)
}

func TestTypeLookupFailureSkipsReadings(t *testing.T) {
	st := newTestStore(t)

	resp := runWith(t, st, func(r Repository) Repository {
		return failingRepo{Repository: r, failLookup: true}
	}, `{"sensors":[{"sensorType":"TEMP_S","beacon_id":1,"measurements":[
		{"currentValue":1,"historyAcquisitionTime":"2025-11-01T10:00:00Z"},
		{"currentValue":2,"historyAcquisitionTime":"2025-11-01T10:30:00Z"}]}]}`)

	assert.Equal(t, 0, resp.SensorsProcessed)
	assert.Equal(t, 2, resp.MeasurementsSkipped)
	assert.Equal(t, 1, resp.BeaconsCreated)
	require.Len(t, resp.Errors, 1)
	assert.Contains(t, resp.Errors[0].Error, "connection reset")
}

func TestTypeResolverRecoversFromCreateConflict(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sess, err := st.Acquire(ctx)
	require.NoError(t, err)
	defer sess.Close()

	existing, err := sess.CreateType(ctx, "PRESSURE_S")
	require.NoError(t, err)

	// a stale lookup misses the row, so creation conflicts and the retry finds it
	repo := &staleTypeRepo{Repository: sess}
	bc := NewBatchContext(sess.Schema())
	id, err := TypeResolver{}.Resolve(ctx, repo, bc, "PRESSURE_S")
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, existing, *id)
	assert.Equal(t, 0, bc.Response().TypesCreated)
}

type staleTypeRepo struct {
	Repository
	lookups int
}

func (r *staleTypeRepo) TypeIDByName(ctx context.Context, name string) (int64, error) {
	r.lookups++
	if r.lookups == 1 {
		return 0, store.ErrNotFound
	}
	return r.Repository.TypeIDByName(ctx, name)
}

func TestTypeResolverWithoutTypeColumn(t *testing.T) {
	bc := NewBatchContext(store.Schema{BeaconColumn: "id_beacon", TimestampColumn: "timestamp", ValueColumn: "value"})
	id, err := TypeResolver{}.Resolve(context.Background(), nil, bc, "")
	require.NoError(t, err)
	assert.Nil(t, id)
}

func TestParseBeaconRef(t *testing.T) {
	tests := []struct {
		raw     string
		present bool
		id      int64
		serial  string
		key     string
		wantErr bool
	}{
		{raw: ``},
		{raw: `null`},
		{raw: `""`},
		{raw: `12`, present: true, id: 12, key: "12"},
		{raw: `"12"`, present: true, id: 12, key: "12"},
		{raw: `"007"`, present: true, id: 7, key: "7"},
		{raw: `0`, present: true, serial: "0", key: "0"},
		{raw: `-3`, present: true, serial: "-3", key: "-3"},
		{raw: `1.5`, present: true, serial: "1.5", key: "1.5"},
		{raw: `" BK-42 "`, present: true, serial: "BK-42", key: "BK-42"},
		{raw: `true`, wantErr: true},
		{raw: `{"id":1}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			ref, ok, err := parseBeaconRef(json.RawMessage(tt.raw))
			if tt.wantErr {
				require.ErrorIs(t, err, errInvalidBeaconRef)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.present, ok)
			assert.Equal(t, tt.id, ref.id)
			assert.Equal(t, tt.serial, ref.serial)
			assert.Equal(t, tt.key, ref.key)
		})
	}
}

func TestDecodeSensorDropsInvalidGPS(t *testing.T) {
	for _, gps := range []string{`{"lat":91,"lon":0}`, `{}`, `{"lat":45}`, `{"lon":5}`, `{"lat":null,"lon":5}`} {
		in := decodeSensor(json.RawMessage(`{"sensorType":"TEMP_S","beacon_id":1,"gps":` + gps + `,"measurements":[]}`))
		require.NoError(t, in.decodeErr, gps)
		assert.Nil(t, in.gps, gps)
	}

	in := decodeSensor(json.RawMessage(`{"sensorType":"TEMP_S","gps":{"lat":0,"lon":0}}`))
	require.NoError(t, in.decodeErr)
	require.NotNil(t, in.gps)
	assert.Equal(t, geo.Point{}, *in.gps)

	in = decodeSensor(json.RawMessage(`{"sensorType":"TEMP_S","gps":{"lat":45,"lon":5}}`))
	require.NoError(t, in.decodeErr)
	require.NotNil(t, in.gps)
	assert.Equal(t, geo.Point{Lat: 45, Lon: 5}, *in.gps)
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "abc", truncateString("abc", 5))
	assert.Equal(t, "ab", truncateString("abcdef", 2))
	assert.Equal(t, "éé", truncateString("ééé", 2))
}
