// Package validation holds request validation helpers shared by the HTTP
// handlers and the loan step guards.
package validation

import (
	"net/http"
	"net/mail"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for free-text fields.
const MaxStringLength = 1000

var (
	// prefixed ids minted by idgen.WithPrefix: "<prefix>_" + 32 hex chars
	idRegex = regexp.MustCompile(`^[a-z]+_[0-9a-f]{32}$`)
	// Indian Permanent Account Number, e.g. ABCDE1234F
	panRegex    = regexp.MustCompile(`^[A-Z]{5}[0-9]{4}[A-Z]$`)
	phoneRegex  = regexp.MustCompile(`^\+?[0-9]{10,15}$`)
	postalRegex = regexp.MustCompile(`^[0-9]{6}$`)
	dateRegex   = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID checks the shape of a prefixed identifier.
func IsValidID(id, prefix string) bool {
	return strings.HasPrefix(id, prefix) && idRegex.MatchString(id)
}

// IsValidPAN checks a PAN number.
func IsValidPAN(s string) bool { return panRegex.MatchString(strings.ToUpper(strings.TrimSpace(s))) }

// IsValidPhone accepts 10 to 15 digits with an optional leading +.
func IsValidPhone(s string) bool {
	return phoneRegex.MatchString(strings.NewReplacer(" ", "", "-", "").Replace(s))
}

// IsValidEmail checks a bare address (no display name).
func IsValidEmail(s string) bool {
	addr, err := mail.ParseAddress(s)
	return err == nil && addr.Address == s
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

// Validate runs validators in order and collects every failure.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// Positive checks that a minor-unit amount is greater than zero.
func Positive(field string, value int64) func() *ValidationError {
	return func() *ValidationError {
		if value <= 0 {
			return &ValidationError{Field: field, Message: "must be greater than zero"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// Format applies check only when value is non-empty; pair with Required.
func Format(field, value, message string, check func(string) bool) func() *ValidationError {
	return func() *ValidationError {
		if value == "" || check(value) {
			return nil
		}
		return &ValidationError{Field: field, Message: message}
	}
}

// Date checks a YYYY-MM-DD date.
func Date(field, value string) func() *ValidationError {
	return Format(field, value, "must be a date in YYYY-MM-DD format", dateRegex.MatchString)
}

// PostalCode checks a six digit PIN code.
func PostalCode(field, value string) func() *ValidationError {
	return Format(field, value, "must be a 6 digit postal code", postalRegex.MatchString)
}

// IDParamMiddleware rejects malformed :param ids early.
func IDParamMiddleware(param, prefix string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param(param)
		if id != "" && !IsValidID(id, prefix) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": param + " is not a valid identifier",
			})
			return
		}
		c.Next()
	}
}
