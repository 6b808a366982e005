package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestIsValidID(t *testing.T) {
	tests := []struct {
		id     string
		prefix string
		valid  bool
	}{
		{"hc_0123456789abcdef0123456789abcdef", "hc_", true},
		{"loan_0123456789abcdef0123456789abcdef", "loan_", true},
		{"loan_0123456789abcdef0123456789abcdef", "hc_", false},
		{"hc_0123456789ABCDEF0123456789ABCDEF", "hc_", false},
		{"hc_0123", "hc_", false},
		{"", "hc_", false},
	}
	for _, tc := range tests {
		if got := IsValidID(tc.id, tc.prefix); got != tc.valid {
			t.Errorf("IsValidID(%q, %q) = %v, want %v", tc.id, tc.prefix, got, tc.valid)
		}
	}
}

func TestFieldFormats(t *testing.T) {
	assert.True(t, IsValidPAN("ABCDE1234F"))
	assert.True(t, IsValidPAN(" abcde1234f "))
	assert.False(t, IsValidPAN("ABCD1234F"))

	assert.True(t, IsValidPhone("+919876543210"))
	assert.True(t, IsValidPhone("98765 43210"))
	assert.False(t, IsValidPhone("12345"))

	assert.True(t, IsValidEmail("asha@example.com"))
	assert.False(t, IsValidEmail("Asha <asha@example.com>"))
	assert.False(t, IsValidEmail("not-an-email"))
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hel\x00lo", 10, "hello"},
	}
	for _, tc := range tests {
		if got := SanitizeString(tc.input, tc.maxLen); got != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, got, tc.expected)
		}
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	errs := Validate(
		Required("fullName", ""),
		Positive("annualIncome", 0),
		Date("dateOfBirth", "12/01/1990"),
		PostalCode("postalCode", "560001"),
		MaxLength("city", strings.Repeat("x", 20), 10),
	)
	assert.Len(t, errs, 4)
	assert.Equal(t, "fullName", errs[0].Field)
	assert.Equal(t, "fullName: is required", errs.Error())
}

func TestFormat_SkipsEmpty(t *testing.T) {
	assert.Nil(t, Date("dateOfBirth", "")())
	assert.Nil(t, PostalCode("postalCode", "")())
}

func TestIDParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/cards/:id", IDParamMiddleware("id", "hc_"), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/cards/bogus", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/cards/hc_0123456789abcdef0123456789abcdef", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(8))
	r.POST("/x", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`{"a":"0123456789"}`)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
