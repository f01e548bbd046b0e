// Package validation provides input validation for the sale API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/swapsale/internal/e8s"
)

// MaxRequestSize is the maximum request body size (64KB). No sale request
// carries more than a principal and a few numbers.
const MaxRequestSize = 64 << 10

// MaxPrincipalLength bounds the textual form of a principal.
const MaxPrincipalLength = 63

// principalRegex accepts lowercase alphanumeric groups separated by single
// dashes, e.g. "rrkah-fqaaa-aaaaa-aaaaq-cai".
var principalRegex = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidPrincipal checks if a string is a well-formed principal.
func IsValidPrincipal(p string) bool {
	return len(p) <= MaxPrincipalLength && principalRegex.MatchString(p)
}

// SanitizePrincipal trims whitespace and lowercases a principal.
func SanitizePrincipal(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
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

// Validate runs validators and collects their errors
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

// ValidPrincipal checks if a field is a well-formed principal. Empty values
// pass; combine with Required.
func ValidPrincipal(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidPrincipal(value) {
			return &ValidationError{Field: field, Message: "must be a valid principal"}
		}
		return nil
	}
}

// ValidE8s checks that a field is a positive token amount with at most
// 8 decimal places, e.g. "1.5".
func ValidE8s(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		v, ok := e8s.Parse(value)
		if !ok {
			return &ValidationError{Field: field, Message: "invalid amount format"}
		}
		if v == 0 {
			return &ValidationError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}

// PrincipalParamMiddleware rejects malformed :principal URL parameters.
func PrincipalParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		p := c.Param("principal")
		if p != "" && !IsValidPrincipal(p) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_principal",
				"message": "principal must be lowercase alphanumeric groups separated by dashes",
			})
			return
		}
		c.Next()
	}
}
