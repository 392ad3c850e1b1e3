// Package geo provides the distance and travel time helpers used by the
// eligibility filter and the cancellation fee policy. All functions are pure.
package geo

import (
	"errors"
	"fmt"
	"math"
)

const earthRadiusMeters = 6371000.0

// Default road model parameters.
const (
	DefaultDetourFactor    = 1.4
	DefaultPrepMinutes     = 5.0
	DefaultAverageSpeedKmh = 25.0
)

// ErrInvalidCoordinate is returned when a latitude or longitude is out of range
// or not a finite number.
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Point is a WGS84 position in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Validate checks that the point lies within the valid coordinate ranges.
func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lon, 0) {
		return fmt.Errorf("%w: %v,%v", ErrInvalidCoordinate, p.Lat, p.Lon)
	}
	if p.Lat < -90 || p.Lat > 90 || p.Lon < -180 || p.Lon > 180 {
		return fmt.Errorf("%w: %v,%v", ErrInvalidCoordinate, p.Lat, p.Lon)
	}
	return nil
}

// DistanceMeters returns the great-circle distance between a and b using the
// haversine formula.
func DistanceMeters(a, b Point) (float64, error) {
	if err := a.Validate(); err != nil {
		return 0, err
	}
	if err := b.Validate(); err != nil {
		return 0, err
	}
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusMeters * c, nil
}

// Estimator converts straight-line distances into road distances and ETAs.
// The zero value is not usable; use NewEstimator or DefaultEstimator.
type Estimator struct {
	DetourFactor    float64
	PrepMinutes     float64
	AverageSpeedKmh float64
}

// DefaultEstimator returns an estimator using the urban defaults.
func DefaultEstimator() Estimator {
	return Estimator{
		DetourFactor:    DefaultDetourFactor,
		PrepMinutes:     DefaultPrepMinutes,
		AverageSpeedKmh: DefaultAverageSpeedKmh,
	}
}

// NewEstimator returns an estimator with the given parameters. Non-positive
// detour factor or speed fall back to the defaults. A negative preparation
// time is treated as zero.
func NewEstimator(detour, prepMinutes, speedKmh float64) Estimator {
	e := Estimator{DetourFactor: detour, PrepMinutes: prepMinutes, AverageSpeedKmh: speedKmh}
	if e.DetourFactor <= 0 {
		e.DetourFactor = DefaultDetourFactor
	}
	if e.AverageSpeedKmh <= 0 {
		e.AverageSpeedKmh = DefaultAverageSpeedKmh
	}
	if e.PrepMinutes < 0 {
		e.PrepMinutes = 0
	}
	return e
}

// RoadDistanceKm returns the haversine distance multiplied by the detour factor.
func (e Estimator) RoadDistanceKm(a, b Point) (float64, error) {
	m, err := DistanceMeters(a, b)
	if err != nil {
		return 0, err
	}
	return m / 1000 * e.DetourFactor, nil
}

// ETAMinutes returns the estimated arrival time in whole minutes for the given
// road distance.
func (e Estimator) ETAMinutes(distanceKm float64) int {
	if distanceKm < 0 {
		distanceKm = 0
	}
	return int(math.Round(e.PrepMinutes + distanceKm/e.AverageSpeedKmh*60))
}

// ETABetween combines RoadDistanceKm and ETAMinutes.
func (e Estimator) ETABetween(from, to Point) (int, float64, error) {
	km, err := e.RoadDistanceKm(from, to)
	if err != nil {
		return 0, 0, err
	}
	return e.ETAMinutes(km), km, nil
}
