package experiment

import (
	"github.com/go-playground/validator/v10"

	"github.com/Abhilash1575/virtual-lab/internal/firmware"
)

// minutesPerDay bounds the daily operating window fields
const minutesPerDay = 24 * 60

var validate = validator.New()

// ValidateCreate checks a create request and returns per-field messages
func ValidateCreate(req *CreateExperimentRequest) map[string][]string {
	details := make(map[string][]string)

	if err := validate.Struct(req); err != nil {
		for _, fieldErr := range err.(validator.ValidationErrors) {
			field := jsonFieldName(fieldErr.Field())
			details[field] = append(details[field], validationMessage(fieldErr))
		}
	}

	if req.BoardType != "" {
		if _, err := firmware.ParseBoardType(req.BoardType); err != nil {
			details["board_type"] = append(details["board_type"], "unsupported board type")
		}
	}

	appendWindowErrors(details, req.OpensAtMinutes, req.ClosesAtMinutes, req.DurationMinutes)

	if len(details) == 0 {
		return nil
	}
	return details
}

// ValidateUpdate checks the tag-driven constraints of a partial edit.
// Cross-field window checks run after the edit is merged, in the service.
func ValidateUpdate(req *UpdateExperimentRequest) map[string][]string {
	details := make(map[string][]string)
	if err := validate.Struct(req); err != nil {
		for _, fieldErr := range err.(validator.ValidationErrors) {
			field := jsonFieldName(fieldErr.Field())
			details[field] = append(details[field], validationMessage(fieldErr))
		}
	}
	return details
}

// appendWindowErrors checks the daily operating window against the slot
// duration. The window is minutes from midnight UTC.
func appendWindowErrors(details map[string][]string, opens, closes, duration int) {
	if opens < 0 || opens >= minutesPerDay {
		details["opens_at_minutes"] = append(details["opens_at_minutes"], "must be between 0 and 1439")
	}
	if closes <= 0 || closes > minutesPerDay {
		details["closes_at_minutes"] = append(details["closes_at_minutes"], "must be between 1 and 1440")
	}
	if opens >= closes {
		details["opens_at_minutes"] = append(details["opens_at_minutes"], "must be before closes_at_minutes")
		return
	}
	if duration > 0 && closes-opens < duration {
		details["duration_minutes"] = append(details["duration_minutes"], "does not fit inside the operating window")
	}
}

// jsonFieldName maps struct field names to their JSON names for error details
func jsonFieldName(field string) string {
	switch field {
	case "Name":
		return "name"
	case "Description":
		return "description"
	case "BoardType":
		return "board_type"
	case "DurationMinutes":
		return "duration_minutes"
	case "OpensAtMinutes":
		return "opens_at_minutes"
	case "ClosesAtMinutes":
		return "closes_at_minutes"
	default:
		return field
	}
}

// validationMessage renders a human-readable message per validator tag
func validationMessage(fieldErr validator.FieldError) string {
	switch fieldErr.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must be at least " + fieldErr.Param()
	case "max":
		return "must be at most " + fieldErr.Param()
	default:
		return "is invalid"
	}
}
