package validation

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"
	apierrors "github.com/nkkko/storepulse/internal/api/errors"
)

// MaxBodySize caps request bodies read by ParseAndValidate
const MaxBodySize = 1 << 20

// Validator defines the interface for request validation
type Validator interface {
	Validate() error
}

// ParseAndValidate parses a JSON request body and validates it
func ParseAndValidate(r *http.Request, v Validator) error {
	if err := decode(io.LimitReader(r.Body, MaxBodySize), v); err != nil {
		return err
	}
	return v.Validate()
}

// ParseAndValidateFiber is ParseAndValidate for fiber handlers
func ParseAndValidateFiber(c *fiber.Ctx, v Validator) error {
	if len(c.Body()) == 0 {
		return apierrors.ValidationError("empty_request_body", "Request body is empty")
	}
	if err := json.Unmarshal(c.Body(), v); err != nil {
		return apierrors.ValidationError("invalid_json", "Invalid JSON format: "+err.Error())
	}
	return v.Validate()
}

func decode(r io.Reader, v any) error {
	if err := json.NewDecoder(r).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apierrors.ValidationError("empty_request_body", "Request body is empty")
		}
		return apierrors.ValidationError("invalid_json", "Invalid JSON format: "+err.Error())
	}
	return nil
}

// MaxLength validates that a string is not longer than the specified max length
func MaxLength(field, value string, maxLen int) error {
	if len(value) > maxLen {
		return apierrors.ValidationError(
			"max_length_exceeded",
			field+" must be at most "+strconv.Itoa(maxLen)+" characters",
		)
	}
	return nil
}

// Required validates that a string is not empty
func Required(field, value string) error {
	if value == "" {
		return apierrors.ValidationError(
			"required_field_missing",
			field+" is required",
		)
	}
	return nil
}

// Range validates that a number lies within [min, max]
func Range(field string, value, min, max int) error {
	if value < min || value > max {
		return apierrors.ValidationError(
			"out_of_range",
			field+" must be between "+strconv.Itoa(min)+" and "+strconv.Itoa(max),
		)
	}
	return nil
}

// QueryInt parses an optional integer query parameter
func QueryInt(field, raw string, def, min, max int) (int, error) {
	if raw == "" {
		return def, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apierrors.ValidationError("invalid_number", field+" must be a number")
	}
	if err := Range(field, value, min, max); err != nil {
		return 0, err
	}
	return value, nil
}
