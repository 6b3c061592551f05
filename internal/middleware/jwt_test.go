package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sis-enrollment-api/internal/models"
)

const testSecret = "test-secret"

func signToken(t *testing.T, claims *models.JWTClaims, secret string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestValidateToken(t *testing.T) {
	claims := &models.JWTClaims{
		UserID: "stud-1",
		Role:   models.RoleStudent,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed := signToken(t, claims, testSecret)

	parsed, err := ValidateToken(signed, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "stud-1", parsed.UserID)
	assert.Equal(t, models.RoleStudent, parsed.Role)
}

func TestValidateTokenWrongSecret(t *testing.T) {
	claims := &models.JWTClaims{UserID: "stud-1", Role: models.RoleStudent}
	signed := signToken(t, claims, "other-secret")

	_, err := ValidateToken(signed, testSecret)
	require.Error(t, err)
}

func TestValidateTokenExpired(t *testing.T) {
	claims := &models.JWTClaims{
		UserID: "stud-1",
		Role:   models.RoleStudent,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	signed := signToken(t, claims, testSecret)

	_, err := ValidateToken(signed, testSecret)
	require.Error(t, err)
}

func TestJWTMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(JWT(testSecret))
	r.GET("/protected", func(c *gin.Context) {
		claims := c.MustGet(ContextUserKey).(*models.JWTClaims)
		c.JSON(http.StatusOK, gin.H{"user_id": claims.UserID})
	})

	// Missing header.
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/protected", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Valid token.
	claims := &models.JWTClaims{
		UserID: "teach-1",
		Role:   models.RoleTeacher,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	w = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, claims, testSecret))
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRBACMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/admin-only",
		func(c *gin.Context) {
			c.Set(ContextUserKey, &models.JWTClaims{UserID: "stud-1", Role: models.RoleStudent})
		},
		RequireRoles(models.RoleAdmin),
		func(c *gin.Context) { c.Status(http.StatusOK) },
	)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/admin-only", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
