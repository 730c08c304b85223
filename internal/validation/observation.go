package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/kjstillabower/weather-insight-service/internal/models"
)

// ErrInvalidObservation wraps every schema violation of an ingestion payload.
var ErrInvalidObservation = errors.New("invalid observation")

// ErrZeroTimestamp is returned when a payload carries an explicit zero timestamp.
var ErrZeroTimestamp = errors.New("timestamp must not be the zero time")

// ObservationPayload is the wire form of an ingested observation. Pointers
// distinguish a missing field from a legitimate zero value.
type ObservationPayload struct {
	City                 *string    `json:"city" validate:"required,min=1,max=100"`
	TemperatureCelsius   *float64   `json:"temperatureCelsius" validate:"required,gte=-100,lte=100"`
	HumidityPercent      *int       `json:"humidityPercent" validate:"required,gte=0,lte=100"`
	WindSpeedMS          *float64   `json:"windSpeedMS" validate:"required,gte=0"`
	ConditionDescription *string    `json:"conditionDescription" validate:"required,min=1,max=200"`
	Timestamp            *time.Time `json:"timestamp,omitempty"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidateObservation checks p against the observation schema and converts it
// to a record. A missing timestamp stays zero so the cache assigns it; an
// explicit zero time is rejected.
func ValidateObservation(p ObservationPayload) (models.Observation, error) {
	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, describe(fe))
			}
			return models.Observation{}, fmt.Errorf("%w: %s", ErrInvalidObservation, strings.Join(msgs, "; "))
		}
		return models.Observation{}, fmt.Errorf("%w: %v", ErrInvalidObservation, err)
	}

	if p.Timestamp != nil && p.Timestamp.IsZero() {
		return models.Observation{}, fmt.Errorf("%w: %w", ErrInvalidObservation, ErrZeroTimestamp)
	}

	obs := models.Observation{
		City:                 *p.City,
		TemperatureCelsius:   *p.TemperatureCelsius,
		HumidityPercent:      *p.HumidityPercent,
		WindSpeedMS:          *p.WindSpeedMS,
		ConditionDescription: *p.ConditionDescription,
	}
	if p.Timestamp != nil {
		obs.Timestamp = *p.Timestamp
	}
	return obs, nil
}

// describe renders one violated constraint as "field constraint".
func describe(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("%s must be at least %s characters", field, fe.Param())
		}
		return fmt.Sprintf("%s must be >= %s", field, fe.Param())
	case "max":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
		}
		return fmt.Sprintf("%s must be <= %s", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be >= %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be <= %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}
