package dto

import (
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

var eventTimeLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"}

func init() {
	validate = validator.New()
	validate.RegisterValidation("iso8601", validateISO8601)
}

func GetValidator() *validator.Validate {
	return validate
}

func validateISO8601(fl validator.FieldLevel) bool {
	_, err := ParseEventTime(fl.Field().String())
	return err == nil
}

// ParseEventTime accepts RFC3339 timestamps or plain dates.
func ParseEventTime(value string) (time.Time, error) {
	for _, layout := range eventTimeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.New("invalid timestamp: " + value)
}

func FormatValidationErrors(err error) []ValidationError {
	var errs []ValidationError

	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		for _, fieldError := range validationErrors {
			var message string

			switch fieldError.Tag() {
			case "required":
				message = fieldError.Field() + " is required"
			case "min":
				message = fieldError.Field() + " must be at least " + fieldError.Param()
			case "max":
				message = fieldError.Field() + " must be at most " + fieldError.Param()
			case "gte":
				message = fieldError.Field() + " must be greater than or equal to " + fieldError.Param()
			case "url":
				message = fieldError.Field() + " must be a valid URL"
			case "oneof":
				message = fieldError.Field() + " must be one of: " + fieldError.Param()
			case "iso8601":
				message = fieldError.Field() + " must be an ISO-8601 timestamp"
			default:
				message = fieldError.Field() + " is invalid"
			}

			errs = append(errs, ValidationError{
				Field:   fieldError.Namespace(),
				Message: message,
			})
		}
	} else if err != nil {
		errs = append(errs, ValidationError{Message: err.Error()})
	}

	return errs
}

type Validator interface {
	Validate() error
}

func CreateValidationErrorResponse(err error) ValidationErrorResponse {
	return ValidationErrorResponse{
		Code:    422,
		Message: "Validation failed",
		Errors:  FormatValidationErrors(err),
	}
}
