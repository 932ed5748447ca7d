// internal/utils/validator.go
package utils

import (
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	validate          *validator.Validate
	referralCodeRegex = regexp.MustCompile("^[A-Za-z0-9_-]{3,32}$")
	idempotencyRegex  = regexp.MustCompile(`^[\x21-\x7e]{8,255}$`)
)

func init() {
	validate = validator.New()
	validate.RegisterValidation("referral_code", validateReferralCode)
	validate.RegisterValidation("idempotency_key", validateIdempotencyKey)
}

func ValidateStruct(s interface{}) error {
	return validate.Struct(s)
}

func validateReferralCode(fl validator.FieldLevel) bool {
	return referralCodeRegex.MatchString(fl.Field().String())
}

// Idempotency keys are printable ASCII without spaces so they survive headers
// and logs unchanged.
func validateIdempotencyKey(fl validator.FieldLevel) bool {
	return idempotencyRegex.MatchString(fl.Field().String())
}

// Validation tags for common fields
type ValidationError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

func GetValidationErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		for _, e := range validationErrs {
			validationErrors = append(validationErrors, ValidationError{
				Field:   strings.ToLower(e.Field()),
				Tag:     e.Tag(),
				Message: getValidationMessage(e),
			})
		}
	}

	return validationErrors
}

func getValidationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return e.Field() + " is required"
	case "min":
		return e.Field() + " must be at least " + e.Param()
	case "max":
		return e.Field() + " must be at most " + e.Param()
	case "oneof":
		return e.Field() + " must be one of: " + e.Param()
	case "referral_code":
		return "Referral code must be 3-32 letters, digits, dashes or underscores"
	case "idempotency_key":
		return "Idempotency key must be 8-255 printable characters without spaces"
	default:
		return e.Field() + " is invalid"
	}
}
