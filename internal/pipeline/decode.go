package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/couchcryptid/air-quality-engine/internal/domain"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ReadingMessage is the wire format of one parsed pollutant reading, shared by
// the source topic and the HTTP API.
type ReadingMessage struct {
	Pollutant             string      `json:"pollutant" validate:"required"`
	Concentration         *float64    `json:"concentration" validate:"required,gte=0"`
	AveragedConcentration *float64    `json:"averaged_concentration,omitempty" validate:"omitempty,gte=0"`
	Unit                  string      `json:"unit" validate:"required"`
	Source                string      `json:"source" validate:"required,oneof=satellite ground weather"`
	Geo                   *GeoMessage `json:"geo" validate:"required"`
	Timestamp             time.Time   `json:"timestamp" validate:"required"`
}

// GeoMessage is the wire format of a coordinate pair.
type GeoMessage struct {
	Lat *float64 `json:"lat" validate:"required,latitude"`
	Lon *float64 `json:"lon" validate:"required,longitude"`
}

// Reading validates m and converts it to a domain reading. Every failure wraps
// domain.ErrInvalidInput.
func (m ReadingMessage) Reading() (domain.PollutantReading, error) {
	if err := validate.Struct(m); err != nil {
		return domain.PollutantReading{}, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}

	pollutant, err := domain.ParsePollutant(m.Pollutant)
	if err != nil {
		return domain.PollutantReading{}, err
	}
	unit, err := domain.ParseUnit(m.Unit)
	if err != nil {
		return domain.PollutantReading{}, err
	}

	r := domain.PollutantReading{
		Pollutant:             pollutant,
		Concentration:         *m.Concentration,
		AveragedConcentration: m.AveragedConcentration,
		Unit:                  unit,
		Source:                domain.Source(m.Source),
		Geo:                   domain.Geo{Lat: *m.Geo.Lat, Lon: *m.Geo.Lon},
		Timestamp:             m.Timestamp.UTC(),
	}
	if err := r.Validate(); err != nil {
		return domain.PollutantReading{}, err
	}
	return r, nil
}

// DecodeReading parses and validates a raw reading message. Every failure wraps
// domain.ErrInvalidInput so the pipeline can drop the message as a poison pill.
func DecodeReading(raw domain.RawEvent) (domain.PollutantReading, error) {
	var msg ReadingMessage
	if err := json.Unmarshal(raw.Value, &msg); err != nil {
		return domain.PollutantReading{}, fmt.Errorf("%w: decode reading: %v", domain.ErrInvalidInput, err)
	}
	return msg.Reading()
}
