// Package ingest turns measurement batches posted by sensor gateways into
// beacons, measurement types and deduplicated measurements.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"beaconmap/telemetry-server/internal/geo"
	"beaconmap/telemetry-server/internal/metrics"
	"beaconmap/telemetry-server/internal/model"
	"beaconmap/telemetry-server/internal/store"
)

// ErrInvalidBatch is returned when the sensors field is missing, empty or malformed.
var ErrInvalidBatch = errors.New("Champ 'sensors' manquant ou vide")

const maxRecordedPayload = 4096

// Repository is the per-batch view of the store used by the resolvers.
// *store.Session implements it.
type Repository interface {
	BeaconByID(ctx context.Context, id int64) (model.Beacon, error)
	BeaconBySerial(ctx context.Context, serial string) (model.Beacon, error)
	CreateBeacon(ctx context.Context, b model.Beacon) (int64, error)
	UpdateBeaconPosition(ctx context.Context, id int64, lat, lon float64) error
	BeaconLocations(ctx context.Context) ([]model.BeaconLocation, error)
	TypeIDByName(ctx context.Context, name string) (int64, error)
	CreateType(ctx context.Context, name string) (int64, error)
	MeasurementExists(ctx context.Context, m model.Measurement) (bool, error)
	InsertMeasurement(ctx context.Context, m model.Measurement) (bool, error)
}

// Observer receives the outcome of every batch.
type Observer interface {
	ObserveBatch(source, outcome string, resp *model.IngestResponse, elapsed time.Duration)
}

// Options configures a Service.
type Options struct {
	RelocationToleranceKm float64
	MatchToleranceKm      float64
	Geocoder              Geocoder
	Observer              Observer
	Logger                *slog.Logger
}

// Service is the batch orchestrator.
type Service struct {
	store    *store.Store
	beacons  *BeaconResolver
	types    TypeResolver
	writer   MeasurementWriter
	observer Observer
	logger   *slog.Logger
}

// NewService wires the resolvers around st. Zero tolerances fall back to the defaults.
func NewService(st *store.Store, opts Options) *Service {
	if opts.RelocationToleranceKm <= 0 {
		opts.RelocationToleranceKm = geo.DefaultRelocationToleranceKm
	}
	if opts.MatchToleranceKm <= 0 {
		opts.MatchToleranceKm = geo.DefaultMatchToleranceKm
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Service{
		store:    st,
		beacons:  NewBeaconResolver(opts.RelocationToleranceKm, opts.MatchToleranceKm, opts.Geocoder, opts.Logger),
		observer: opts.Observer,
		logger:   opts.Logger,
	}
}

// Ingest processes one raw batch body. It returns ErrInvalidBatch for malformed
// input and a wrapped store error when no session could be acquired; every other
// failure is reported inside the response.
func (s *Service) Ingest(ctx context.Context, source string, body []byte) (*model.IngestResponse, error) {
	start := time.Now()

	resp, err := s.ingest(ctx, body)

	outcome := metrics.OutcomeOK
	switch {
	case errors.Is(err, ErrInvalidBatch):
		outcome = metrics.OutcomeInvalid
		s.record(ctx, []model.IngestionError{{Payload: string(body), Error: err.Error()}})
	case err != nil:
		outcome = metrics.OutcomeFailed
	}

	if s.observer != nil {
		s.observer.ObserveBatch(source, outcome, resp, time.Since(start))
	}
	return resp, err
}

func (s *Service) ingest(ctx context.Context, body []byte) (*model.IngestResponse, error) {
	var req model.IngestRequest
	if err := json.Unmarshal(body, &req); err != nil || len(req.Sensors) == 0 {
		return nil, ErrInvalidBatch
	}

	sess, err := s.store.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire store session: %w", err)
	}
	defer sess.Close()

	bc := NewBatchContext(sess.Schema())
	s.run(ctx, sess, bc, req.Sensors)

	if err := sess.Close(); err != nil {
		s.logger.Warn("release store session", "error", err)
	}

	// the session is released first: sqlite pools hold a single connection
	s.record(ctx, bc.Failures())

	resp := bc.Response()
	s.logger.Info("batch ingested",
		"sensors", len(req.Sensors),
		"processed", resp.SensorsProcessed,
		"inserted", resp.MeasurementsInserted,
		"skipped", resp.MeasurementsSkipped,
		"beacons_created", resp.BeaconsCreated,
		"gps_updates", resp.GPSUpdates,
		"types_created", resp.TypesCreated,
		"errors", len(resp.Errors),
	)
	return resp, nil
}

// run iterates the sensors sequentially so later sensors observe the beacons and
// types created by earlier ones.
func (s *Service) run(ctx context.Context, repo Repository, bc *BatchContext, raws []json.RawMessage) {
	inputs := make([]sensorInput, len(raws))
	for i, raw := range raws {
		inputs[i] = decodeSensor(raw)
		in := inputs[i]
		if in.decodeErr != nil || !in.hasRef || in.gps == nil {
			continue
		}
		if _, ok := bc.batchGPS[in.ref.key]; !ok {
			bc.batchGPS[in.ref.key] = *in.gps
		}
	}

	for _, in := range inputs {
		s.processSensor(ctx, repo, bc, in)
	}
}

func (s *Service) processSensor(ctx context.Context, repo Repository, bc *BatchContext, in sensorInput) {
	if in.decodeErr != nil {
		bc.fail(in, in.decodeErr)
		return
	}

	if bc.schema.HasType() && strings.TrimSpace(in.block.SensorType) == "" {
		bc.resp.MeasurementsSkipped += len(in.block.Measurements)
		bc.fail(in, errMissingSensorType)
		return
	}

	beaconID, err := s.beacons.Resolve(ctx, repo, bc, in)
	if err != nil {
		s.logger.Warn("beacon resolution failed", "ref", string(in.block.BeaconID), "sensor_type", in.block.SensorType, "error", err)
		bc.fail(in, err)
		return
	}

	typeID, err := s.types.Resolve(ctx, repo, bc, in.block.SensorType)
	if err != nil {
		s.logger.Warn("type resolution failed", "sensor_type", in.block.SensorType, "error", err)
		bc.resp.MeasurementsSkipped += len(in.block.Measurements)
		bc.fail(in, err)
		return
	}

	bc.resp.SensorsProcessed++
	s.writer.Write(ctx, repo, bc, in, target{beaconID: beaconID, typeID: typeID, position: in.gps})
}

// record persists ingestion errors. Failures are logged only.
func (s *Service) record(ctx context.Context, failures []model.IngestionError) {
	if len(failures) == 0 {
		return
	}

	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	for _, f := range failures {
		f.Payload = truncateString(f.Payload, maxRecordedPayload)
		if err := s.store.InsertIngestionError(recCtx, f); err != nil {
			s.logger.Error("failed to persist ingestion error", "error", err)
			return
		}
	}
}

func truncateString(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
