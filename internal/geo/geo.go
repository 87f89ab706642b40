// Package geo holds the distance helpers shared by the tracker.
package geo

import (
	geolib "github.com/kellydunn/golang-geo"
)

// KmToNM converts kilometres to nautical miles.
const KmToNM = 0.539957

// DistanceKm returns the great-circle (haversine) distance in kilometres,
// using an earth radius of 6371 km.
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	return geolib.NewPoint(lat1, lon1).GreatCircleDistance(geolib.NewPoint(lat2, lon2))
}

// KmToNauticalMiles converts a distance in kilometres.
func KmToNauticalMiles(km float64) float64 {
	return km * KmToNM
}
