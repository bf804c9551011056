package domain

import "errors"

var (
	// ErrInvalidInput marks malformed reading data or configuration: negative
	// concentrations, unknown pollutants, sources or units, bad coordinates.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInsufficientData is returned when fusion has no pollutant to report.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrOutOfRange is returned when a negative AQI is classified.
	ErrOutOfRange = errors.New("aqi out of range")

	// ErrNoData is returned when an aggregation has no non-null point to summarize.
	ErrNoData = errors.New("no data")
)
