package ingest

import (
	"context"
	"fmt"
	"strings"

	"beaconmap/telemetry-server/internal/geo"
	"beaconmap/telemetry-server/internal/model"
)

// MeasurementWriter deduplicates and stores the readings of one sensor.
type MeasurementWriter struct{}

// target identifies where the readings of one sensor are written.
type target struct {
	beaconID int64
	typeID   *int64
	position *geo.Point
}

// Write stores each reading once, counting inserted and skipped readings and
// recording per-reading store errors without stopping.
func (MeasurementWriter) Write(ctx context.Context, repo Repository, bc *BatchContext, in sensorInput, dst target) {
	for i, reading := range in.block.Measurements {
		ts := strings.TrimSpace(reading.HistoryAcquisitionTime)
		if reading.CurrentValue == nil || ts == "" {
			bc.resp.MeasurementsSkipped++
			continue
		}

		m := model.Measurement{
			BeaconID:  dst.beaconID,
			TypeID:    dst.typeID,
			Value:     *reading.CurrentValue,
			Timestamp: reading.HistoryAcquisitionTime,
		}
		if dst.position != nil {
			m.Lat, m.Lon = &dst.position.Lat, &dst.position.Lon
		}

		exists, err := repo.MeasurementExists(ctx, m)
		if err != nil {
			bc.fail(in, fmt.Errorf("measurement %d: %w", i, err))
			continue
		}
		if exists {
			bc.resp.MeasurementsSkipped++
			continue
		}

		inserted, err := repo.InsertMeasurement(ctx, m)
		if err != nil {
			bc.fail(in, fmt.Errorf("measurement %d: %w", i, err))
			continue
		}
		if !inserted {
			bc.resp.MeasurementsSkipped++
			continue
		}
		bc.resp.MeasurementsInserted++
	}
}
