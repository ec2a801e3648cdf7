// Package validation provides request validation for the FundRoom API.
package validation

import (
	"net/http"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/mbd888/fundroom/internal/money"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// idRegex matches the identifiers issued by idgen and by upstream systems.
var idRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_\-]{0,127}$`)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func engine() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})
		_ = v.RegisterValidation("decimal_gt0", func(fl validator.FieldLevel) bool {
			return IsPositiveDecimal(fl.Field().String())
		})
		_ = v.RegisterValidation("resource_id", func(fl validator.FieldLevel) bool {
			return IsValidID(fl.Field().String())
		})
		validate = v
	})
	return validate
}

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID checks if a string looks like a resource identifier.
func IsValidID(s string) bool {
	return idRegex.MatchString(s)
}

// IsPositiveDecimal checks if a string is a currency amount greater than
// zero with at most two decimal places.
func IsPositiveDecimal(s string) bool {
	_, err := money.ParsePositive(s)
	return err == nil
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Struct validates a request DTO using its `validate` tags.
func Struct(v interface{}) ValidationErrors {
	err := engine().Struct(v)
	if err == nil {
		return nil
	}
	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return ValidationErrors{{Field: "body", Message: err.Error()}}
	}

	out := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, ValidationError{Field: fe.Field(), Message: message(fe)})
	}
	return out
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "exceeds maximum length"
	case "decimal_gt0":
		return "must be a decimal amount greater than zero with at most two decimal places"
	case "resource_id":
		return "must be a valid identifier"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "dive", "min":
		return "has too few items"
	default:
		return "is invalid"
	}
}

// IDParamMiddleware rejects malformed :id style URL parameters early.
func IDParamMiddleware(params ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, p := range params {
			if v := c.Param(p); v != "" && !IsValidID(v) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_id",
					"message": p + " must be a valid identifier",
				})
				return
			}
		}
		c.Next()
	}
}
