package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/roluatm/kiosk/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func perform(engine *gin.Engine, method, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestRequireRole(t *testing.T) {
	jwtManager := utils.NewJWTManager("test-secret", time.Minute, time.Hour)
	auth := NewAuthMiddleware(jwtManager)

	engine := gin.New()
	engine.GET("/admin", auth.RequireRole("operator", "admin"), func(c *gin.Context) {
		name, _ := GetOperator(c)
		role, _ := GetRole(c)
		c.JSON(http.StatusOK, gin.H{"operator": name, "role": role})
	})

	w := perform(engine, http.MethodGet, "/admin", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "NO_TOKEN")

	w = perform(engine, http.MethodGet, "/admin", map[string]string{"Authorization": "Bearer garbage"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	kioskToken, err := jwtManager.GenerateKioskToken("kiosk-001")
	require.NoError(t, err)
	w = perform(engine, http.MethodGet, "/admin", map[string]string{"Authorization": "Bearer " + kioskToken})
	assert.Equal(t, http.StatusForbidden, w.Code, "终端令牌不能访问管理接口")

	viewer, err := jwtManager.GenerateOperatorToken("kiosk-001", "bob", "viewer")
	require.NoError(t, err)
	w = perform(engine, http.MethodGet, "/admin", map[string]string{"Authorization": "Bearer " + viewer})
	assert.Equal(t, http.StatusForbidden, w.Code)

	op, err := jwtManager.GenerateOperatorToken("kiosk-001", "alice", "operator")
	require.NoError(t, err)
	w = perform(engine, http.MethodGet, "/admin", map[string]string{"X-Access-Token": op})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"operator":"alice"`)
}

func TestRequireRoleWithoutValidator(t *testing.T) {
	engine := gin.New()
	engine.GET("/admin", NewAuthMiddleware(nil).RequireRole("operator"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	w := perform(engine, http.MethodGet, "/admin", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRequestIDAndRecovery(t *testing.T) {
	engine := gin.New()
	engine.Use(RequestID(), Recovery(), Logger())
	engine.GET("/ok", func(c *gin.Context) { c.String(http.StatusOK, GetRequestID(c)) })
	engine.GET("/boom", func(c *gin.Context) { panic("boom") })

	w := perform(engine, http.MethodGet, "/ok", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, w.Header().Get(HeaderRequestID), 36)
	assert.Equal(t, w.Header().Get(HeaderRequestID), w.Body.String())

	w = perform(engine, http.MethodGet, "/ok", map[string]string{HeaderRequestID: "req-1"})
	assert.Equal(t, "req-1", w.Body.String())

	w = perform(engine, http.MethodGet, "/boom", map[string]string{HeaderRequestID: "req-2"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), `"request_id":"req-2"`)
	assert.Contains(t, w.Body.String(), "Please contact support")
}

func TestRateLimiter(t *testing.T) {
	limiter := NewRateLimiter(60, 2)
	engine := gin.New()
	engine.Use(limiter.Handler())
	engine.GET("/withdraw", func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusOK, perform(engine, http.MethodGet, "/withdraw", nil).Code)
	assert.Equal(t, http.StatusOK, perform(engine, http.MethodGet, "/withdraw", nil).Code)
	w := perform(engine, http.MethodGet, "/withdraw", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "Please try again later")
}

type observed struct {
	endpoint, method, status string
}

type observerFunc func(endpoint, method, status string, d time.Duration)

func (f observerFunc) ObserveRequest(endpoint, method, status string, d time.Duration) {
	f(endpoint, method, status, d)
}

func TestMetrics(t *testing.T) {
	var got []observed
	engine := gin.New()
	engine.Use(Metrics(observerFunc(func(endpoint, method, status string, d time.Duration) {
		got = append(got, observed{endpoint, method, status})
	})))
	engine.GET("/admin/withdrawals/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	perform(engine, http.MethodGet, "/admin/withdrawals/42", nil)
	perform(engine, http.MethodGet, "/nope", nil)

	require.Len(t, got, 2)
	assert.Equal(t, observed{"/admin/withdrawals/:id", "GET", "404"}, got[0])
	assert.Equal(t, "unmatched", got[1].endpoint)
}
