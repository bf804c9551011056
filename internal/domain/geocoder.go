package domain

import "context"

// Place is the named location a reverse geocoder resolves coordinates to.
type Place struct {
	Name      string  `json:"name"`
	Address   string  `json:"address"`
	Relevance float64 `json:"relevance"` // 0.0–1.0 provider confidence score
}

// Geocoder enriches observations with a human-readable place name.
type Geocoder interface {
	// ReverseGeocode converts coordinates to place details. An empty Place
	// with a nil error means the provider knows no place there.
	ReverseGeocode(ctx context.Context, geo Geo) (Place, error)
}
