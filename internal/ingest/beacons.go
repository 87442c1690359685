package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"beaconmap/telemetry-server/internal/geo"
	"beaconmap/telemetry-server/internal/model"
	"beaconmap/telemetry-server/internal/store"
)

var errNoBeaconReference = errors.New("beacon_id or gps required")

// Geocoder turns a coordinate into a place name.
type Geocoder interface {
	ReverseName(ctx context.Context, lat, lon float64) (string, error)
}

// BeaconResolver maps a sensor block to the beacon that owns its readings,
// creating or relocating beacons as needed.
type BeaconResolver struct {
	relocationToleranceKm float64
	matchToleranceKm      float64
	geocoder              Geocoder
	logger                *slog.Logger
	now                   func() time.Time
}

// NewBeaconResolver builds a resolver. geocoder may be nil.
func NewBeaconResolver(relocationToleranceKm, matchToleranceKm float64, geocoder Geocoder, logger *slog.Logger) *BeaconResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &BeaconResolver{
		relocationToleranceKm: relocationToleranceKm,
		matchToleranceKm:      matchToleranceKm,
		geocoder:              geocoder,
		logger:                logger,
		now:                   time.Now,
	}
}

// Resolve returns the id of the beacon owning the sensor's readings.
func (r *BeaconResolver) Resolve(ctx context.Context, repo Repository, bc *BatchContext, in sensorInput) (int64, error) {
	if !in.hasRef {
		if in.gps == nil {
			return 0, errNoBeaconReference
		}
		return r.resolveByGPS(ctx, repo, bc, *in.gps)
	}

	id, err := r.resolveExplicit(ctx, repo, bc, in)
	if err != nil {
		return 0, err
	}

	if in.gps == nil || bc.gpsUpdated[id] {
		return id, nil
	}
	return r.reconcilePosition(ctx, repo, bc, in.ref, id, *in.gps)
}

func (r *BeaconResolver) resolveExplicit(ctx context.Context, repo Repository, bc *BatchContext, in sensorInput) (int64, error) {
	ref := in.ref
	if id, ok := bc.beaconIDs[ref.key]; ok {
		return id, nil
	}

	var (
		b   model.Beacon
		err error
	)
	if ref.id > 0 {
		b, err = repo.BeaconByID(ctx, ref.id)
	} else {
		b, err = repo.BeaconBySerial(ctx, ref.serial)
	}
	switch {
	case err == nil:
		bc.remember(ref, b.ID)
		return b.ID, nil
	case !errors.Is(err, store.ErrNotFound):
		return 0, fmt.Errorf("lookup beacon %s: %w", ref.key, err)
	}

	// unknown reference: create it at the best position the batch knows of
	pos := in.gps
	if pos == nil {
		if p, ok := bc.batchGPS[ref.key]; ok {
			pos = &p
		}
	}

	serial := ref.serial
	if serial == "" {
		serial = r.generateSerial()
	}

	nb := model.Beacon{ID: ref.id, Serial: serial, Name: generatedName(serial)}
	if pos != nil {
		nb.Latitude, nb.Longitude = &pos.Lat, &pos.Lon
	}

	id, err := repo.CreateBeacon(ctx, nb)
	if err != nil {
		return 0, fmt.Errorf("create beacon %s: %w", ref.key, err)
	}

	bc.beaconCreated(id)
	bc.remember(ref, id)
	if pos != nil {
		bc.gpsUpdated[id] = true
	}
	r.logger.Info("beacon created", "beacon", id, "ref", ref.key, "serial", serial)
	return id, nil
}

// reconcilePosition applies the relocation policy to a known beacon: small drift
// moves it, a larger jump creates a new beacon and remaps the client reference.
func (r *BeaconResolver) reconcilePosition(ctx context.Context, repo Repository, bc *BatchContext, ref beaconRef, id int64, p geo.Point) (int64, error) {
	current, err := repo.BeaconByID(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("lookup beacon %d: %w", id, err)
	}

	if current.HasPosition() {
		stored := geo.Point{Lat: *current.Latitude, Lon: *current.Longitude}
		distance := geo.Distance(stored, p)
		if !geo.WithinTolerance(distance, r.relocationToleranceKm) {
			return r.relocate(ctx, repo, bc, ref, current, p, distance)
		}
	}

	if err := repo.UpdateBeaconPosition(ctx, id, p.Lat, p.Lon); err != nil {
		return 0, fmt.Errorf("update beacon %d position: %w", id, err)
	}
	bc.gpsUpdated[id] = true
	bc.resp.GPSUpdates++
	return id, nil
}

// relocate moves a client reference to a beacon at p. A beacon already standing
// there, such as one created by an earlier copy of the same batch, is reused.
func (r *BeaconResolver) relocate(ctx context.Context, repo Repository, bc *BatchContext, ref beaconRef, from model.Beacon, p geo.Point, distance float64) (int64, error) {
	existing, err := r.nearestBeacon(ctx, repo, p, r.relocationToleranceKm, from.ID)
	if err != nil {
		return 0, err
	}
	if existing > 0 {
		bc.gpsUpdated[existing] = true
		bc.gpsUpdated[from.ID] = true
		bc.remember(ref, existing)
		r.logger.Info("beacon relocated to existing beacon", "from", from.ID, "to", existing, "distance_km", distance)
		return existing, nil
	}

	serial := r.generateSerial()
	nb := model.Beacon{
		Serial:    serial,
		Name:      generatedName(serial),
		Latitude:  &p.Lat,
		Longitude: &p.Lon,
	}

	id, err := repo.CreateBeacon(ctx, nb)
	if err != nil {
		return 0, fmt.Errorf("create relocated beacon for %d: %w", from.ID, err)
	}

	bc.beaconCreated(id)
	bc.gpsUpdated[id] = true
	bc.gpsUpdated[from.ID] = true
	bc.remember(ref, id)
	r.logger.Info("beacon relocated", "from", from.ID, "to", id, "distance_km", distance)
	return id, nil
}

func (r *BeaconResolver) resolveByGPS(ctx context.Context, repo Repository, bc *BatchContext, p geo.Point) (int64, error) {
	if id, err := r.nearestBeacon(ctx, repo, p, r.matchToleranceKm, 0); err != nil || id > 0 {
		return id, err
	}

	serial := r.generateSerial()
	name := r.placeName(ctx, p)
	if name == "" {
		name = generatedName(serial)
	}

	id, err := repo.CreateBeacon(ctx, model.Beacon{
		Serial:    serial,
		Name:      name,
		Latitude:  &p.Lat,
		Longitude: &p.Lon,
	})
	if err != nil {
		return 0, fmt.Errorf("create beacon at %.6f,%.6f: %w", p.Lat, p.Lon, err)
	}

	bc.beaconCreated(id)
	bc.gpsUpdated[id] = true
	r.logger.Info("beacon created from gps", "beacon", id, "name", name, "lat", p.Lat, "lon", p.Lon)
	return id, nil
}

// nearestBeacon returns the closest beacon within toleranceKm of p, or 0.
// exclude is skipped when positive.
func (r *BeaconResolver) nearestBeacon(ctx context.Context, repo Repository, p geo.Point, toleranceKm float64, exclude int64) (int64, error) {
	locations, err := repo.BeaconLocations(ctx)
	if err != nil {
		return 0, fmt.Errorf("load beacon locations: %w", err)
	}

	ids := make([]int64, 0, len(locations))
	candidates := make([]geo.Point, 0, len(locations))
	for _, loc := range locations {
		if loc.ID == exclude {
			continue
		}
		ids = append(ids, loc.ID)
		candidates = append(candidates, geo.Point{Lat: loc.Lat, Lon: loc.Lon})
	}
	if idx, _ := geo.Nearest(p, candidates, toleranceKm); idx >= 0 {
		return ids[idx], nil
	}
	return 0, nil
}

func (r *BeaconResolver) placeName(ctx context.Context, p geo.Point) string {
	if r.geocoder == nil {
		return ""
	}
	name, err := r.geocoder.ReverseName(ctx, p.Lat, p.Lon)
	if err != nil {
		r.logger.Warn("reverse geocoding failed", "lat", p.Lat, "lon", p.Lon, "error", err)
		return ""
	}
	return name
}

func (r *BeaconResolver) generateSerial() string {
	return "AUTO-" + strconv.FormatInt(r.now().UnixMilli(), 10) + "-" + uuid.NewString()[:8]
}

func generatedName(serial string) string {
	return "Beacon " + serial
}
