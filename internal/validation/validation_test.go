package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestIsValidEthAddress(t *testing.T) {
	valid := []string{
		"0x1111111111111111111111111111111111111111",
		"0xAbCdEf0123456789aBcDeF0123456789abcdef01",
	}
	for _, addr := range valid {
		if !IsValidEthAddress(addr) {
			t.Errorf("IsValidEthAddress(%q) = false", addr)
		}
	}

	invalid := []string{
		"",
		"0x123",
		"1111111111111111111111111111111111111111", // missing prefix
		"0x111111111111111111111111111111111111111g",
		"0x11111111111111111111111111111111111111111", // 41 chars
	}
	for _, addr := range invalid {
		if IsValidEthAddress(addr) {
			t.Errorf("IsValidEthAddress(%q) = true", addr)
		}
	}
}

func TestIsValidAmount(t *testing.T) {
	for _, s := range []string{"0", "1", "1.5", "0.000001", "1000000"} {
		if !IsValidAmount(s) {
			t.Errorf("IsValidAmount(%q) = false", s)
		}
	}
	for _, s := range []string{"", "-1", "-1.5", ".5", "1.", "1.2.3", "1e18", "abc", "1 5"} {
		if IsValidAmount(s) {
			t.Errorf("IsValidAmount(%q) = true", s)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	if got := SanitizeString("  hello  ", 100); got != "hello" {
		t.Errorf("got %q", got)
	}
	if got := SanitizeString("a\x00b", 100); got != "ab" {
		t.Errorf("null bytes survived: %q", got)
	}
	if got := SanitizeString(strings.Repeat("x", 10), 4); got != "xxxx" {
		t.Errorf("length not capped: %q", got)
	}
}

func TestSanitizeAddress(t *testing.T) {
	if got := SanitizeAddress(" 0xABCDEF0123456789ABCDEF0123456789ABCDEF01 "); got != "0xabcdef0123456789abcdef0123456789abcdef01" {
		t.Errorf("got %q", got)
	}
	if got := SanitizeAddress("abcdef0123456789abcdef0123456789abcdef01"); got != "0xabcdef0123456789abcdef0123456789abcdef01" {
		t.Errorf("missing prefix not added: %q", got)
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestSizeMiddleware(16))
	router.POST("/", func(c *gin.Context) {
		body := make([]byte, 64)
		if _, err := c.Request.Body.Read(body); err != nil && err.Error() == "http: request body too large" {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("small"))
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("small body status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 64)))
	router.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized body status = %d", w.Code)
	}
}
