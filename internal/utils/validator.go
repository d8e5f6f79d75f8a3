// internal/utils/validator.go
package utils

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/javajoker/medequip-scraper/internal/models"
)

var validate *validator.Validate

var maxRating = decimal.NewFromInt(5)

func init() {
	validate = validator.New()
	validate.RegisterValidation("currency_code", validateCurrencyCode)
	validate.RegisterStructValidation(validatePriceListing, models.PriceListing{})
	validate.RegisterStructValidation(validateSeller, models.Seller{})
}

func ValidateStruct(s interface{}) error {
	return validate.Struct(s)
}

func validateCurrencyCode(fl validator.FieldLevel) bool {
	code := fl.Field().String()
	if len(code) != 3 || strings.ToUpper(code) != code {
		return false
	}
	_, err := currency.ParseISO(code)
	return err == nil
}

func validatePriceListing(sl validator.StructLevel) {
	p := sl.Current().Interface().(models.PriceListing)

	if p.MinPrice.Valid && p.MinPrice.Decimal.IsNegative() {
		sl.ReportError(p.MinPrice, "MinPrice", "min_price", "non_negative", "")
	}
	if p.MinPrice.Valid && p.MaxPrice.Valid && p.MinPrice.Decimal.GreaterThan(p.MaxPrice.Decimal) {
		sl.ReportError(p.MaxPrice, "MaxPrice", "max_price", "gtefield", "MinPrice")
	}
}

func validateSeller(sl validator.StructLevel) {
	s := sl.Current().Interface().(models.Seller)

	if s.Rating.Valid && (s.Rating.Decimal.IsNegative() || s.Rating.Decimal.GreaterThan(maxRating)) {
		sl.ReportError(s.Rating, "Rating", "rating", "rating_range", "")
	}
}

// Validation tags for common fields
type ValidationError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

func GetValidationErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) {
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
		return e.Field() + " must be at most " + e.Param() + " characters"
	case "oneof":
		return e.Field() + " must be one of: " + e.Param()
	case "url":
		return e.Field() + " must be an absolute URL"
	case "currency_code":
		return e.Field() + " must be an ISO 4217 currency code"
	case "gtefield":
		return e.Field() + " must not be lower than " + e.Param()
	case "non_negative":
		return e.Field() + " must not be negative"
	case "rating_range":
		return "Rating must be between 0 and 5"
	default:
		return e.Field() + " is invalid"
	}
}
