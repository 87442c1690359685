package main

import (
	"math"
	"math/rand"
	"time"

	"beaconmap/telemetry-server/internal/model"
)

const (
	readingsPerDay  = 48
	readingInterval = 30 * time.Minute
)

type city struct {
	Name string
	Lat  float64
	Lon  float64
}

var cities = []city{
	{Name: "Paris", Lat: 48.8566, Lon: 2.3522},
	{Name: "Marseille", Lat: 43.2965, Lon: 5.3698},
	{Name: "Lyon", Lat: 45.7640, Lon: 4.8357},
	{Name: "Toulouse", Lat: 43.6047, Lon: 1.4442},
	{Name: "Nice", Lat: 43.7102, Lon: 7.2620},
	{Name: "Strasbourg", Lat: 48.5734, Lon: 7.7521},
	{Name: "Bordeaux", Lat: 44.8378, Lon: -0.5792},
	{Name: "Lille", Lat: 50.6292, Lon: 3.0573},
	{Name: "Rennes", Lat: 48.1173, Lon: -1.6778},
	{Name: "Montpellier", Lat: 43.6108, Lon: 3.8767},
}

// sensorProfile describes the daily curve of one sensor type. PeakVariation is
// the full swing around the base value; a negative swing puts the trough at PeakHour.
type sensorProfile struct {
	Type          string
	BaseMin       float64
	BaseMax       float64
	PeakHour      int
	PeakVariation float64
	Decimals      int
}

var profiles = []sensorProfile{
	{Type: "TEMP_S", BaseMin: 5, BaseMax: 12, PeakHour: 14, PeakVariation: 3, Decimals: 1},
	{Type: "HUMIDITY_S", BaseMin: 70, BaseMax: 85, PeakHour: 6, PeakVariation: -15, Decimals: 1},
	{Type: "PRESSURE_S", BaseMin: 1010, BaseMax: 1020, PeakHour: 14, PeakVariation: 5},
	{Type: "DUST_PM1_S", BaseMin: 8, BaseMax: 25, PeakHour: 18, PeakVariation: 15},
	{Type: "DUST_PM2_5_S", BaseMin: 15, BaseMax: 35, PeakHour: 18, PeakVariation: 25},
	{Type: "DUST_PM10_S", BaseMin: 25, BaseMax: 50, PeakHour: 18, PeakVariation: 35},
	{Type: "CO2_S", BaseMin: 380, BaseMax: 450, PeakHour: 10, PeakVariation: 200},
}

type generator struct {
	rnd *rand.Rand
}

func newGenerator(seed int64) *generator {
	return &generator{rnd: rand.New(rand.NewSource(seed))}
}

func (g *generator) between(lo, hi float64) float64 {
	return lo + g.rnd.Float64()*(hi-lo)
}

// day returns one reading every half hour from midnight of the given date.
func (g *generator) day(date time.Time, p sensorProfile) []model.Reading {
	start := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	base := g.between(p.BaseMin, p.BaseMax)
	lo, hi := p.BaseMin*0.8, p.BaseMax*1.5

	readings := make([]model.Reading, 0, readingsPerDay)
	for i := 0; i < readingsPerDay; i++ {
		ts := start.Add(time.Duration(i) * readingInterval)

		hourDiff := math.Abs(float64(ts.Hour() - p.PeakHour))
		value := base + math.Cos(hourDiff/12*math.Pi)*(p.PeakVariation/2)
		value += g.between(-2, 2)
		value += g.between(-p.BaseMax*0.05, p.BaseMax*0.05)
		value = roundTo(math.Max(lo, math.Min(hi, value)), p.Decimals)

		readings = append(readings, model.Reading{
			CurrentValue:           &value,
			HistoryAcquisitionTime: ts.Format(time.RFC3339),
		})
	}
	return readings
}

// batch builds the payload of one city for one day. Sensors carry only GPS so
// the server places them on the nearest beacon or creates one.
func (g *generator) batch(c city, date time.Time) batchPayload {
	lat, lon := c.Lat, c.Lon
	sensors := make([]model.SensorBlock, 0, len(profiles))
	for _, p := range profiles {
		sensors = append(sensors, model.SensorBlock{
			SensorType:   p.Type,
			GPS:          &model.GPS{Lat: &lat, Lon: &lon},
			Measurements: g.day(date, p),
		})
	}
	return batchPayload{Sensors: sensors}
}

type batchPayload struct {
	Sensors []model.SensorBlock `json:"sensors"`
}

func roundTo(v float64, decimals int) float64 {
	scale := math.Pow(10, float64(decimals))
	return math.Round(v*scale) / scale
}
