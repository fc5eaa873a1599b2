// Package validation provides request validation helpers for the REST API.
package validation

import (
	"net/http"
	"net/mail"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MinPasswordLength is the shortest password accepted at registration.
const MinPasswordLength = 6

var usernameRegex = regexp.MustCompile(`^[A-Za-z0-9_.\-]{3,64}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidUsername reports whether s is 3-64 chars of letters, digits, '_', '.' or '-'.
func IsValidUsername(s string) bool {
	return usernameRegex.MatchString(s)
}

// SanitizeString trims whitespace, strips null bytes and limits length.
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

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects their failures.
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

// ValidUsername checks the username format.
func ValidUsername(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value != "" && !IsValidUsername(value) {
			return &ValidationError{Field: field, Message: "must be 3-64 letters, digits, '_', '.' or '-'"}
		}
		return nil
	}
}

// ValidEmail checks an optional email address.
func ValidEmail(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if _, err := mail.ParseAddress(value); err != nil {
			return &ValidationError{Field: field, Message: "must be a valid email address"}
		}
		return nil
	}
}

// MinLength checks a minimum length.
func MinLength(field, value string, min int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) < min {
			return &ValidationError{Field: field, Message: "must be at least " + strconv.Itoa(min) + " characters long"}
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

// UnitInterval checks that a score lies in [0,1].
func UnitInterval(field string, value float64) func() *ValidationError {
	return func() *ValidationError {
		if !(value >= 0 && value <= 1) {
			return &ValidationError{Field: field, Message: "must be between 0 and 1"}
		}
		return nil
	}
}

// UsernameParamMiddleware rejects malformed :username URL parameters early.
func UsernameParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if name := c.Param("username"); name != "" && !IsValidUsername(name) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_username",
				"message": "username must be 3-64 letters, digits, '_', '.' or '-'",
			})
			return
		}
		c.Next()
	}
}

// QueryLimit parses the "limit" query parameter, falling back to def when
// absent or invalid and capping at max.
func QueryLimit(c *gin.Context, def, max int) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 {
		n = def
	}
	if max > 0 && n > max {
		n = max
	}
	return n
}
