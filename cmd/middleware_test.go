package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"gemini-gateway/core"
	"gemini-gateway/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newAuthTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, models.AutoMigrate(db))
	return db
}

func newAuthEngine(cfg *core.Config, db *gorm.DB) *gin.Engine {
	engine := gin.New()
	engine.GET("/probe", authMiddleware(cfg, db), func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	return engine
}

func doProbe(engine *gin.Engine, authHeader string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/probe", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	engine.ServeHTTP(w, req)
	return w
}

func TestAuthMiddlewarePassword(t *testing.T) {
	db := newAuthTestDB(t)
	cfg := &core.Config{Password: "secret"}
	engine := newAuthEngine(cfg, db)

	assert.Equal(t, http.StatusOK, doProbe(engine, "Bearer secret").Code)
	assert.Equal(t, http.StatusUnauthorized, doProbe(engine, "Bearer wrong").Code)
	assert.Equal(t, http.StatusUnauthorized, doProbe(engine, "").Code)
}

func TestAuthMiddlewareAccessKey(t *testing.T) {
	db := newAuthTestDB(t)
	cfg := &core.Config{Password: "secret"}
	engine := newAuthEngine(cfg, db)

	key := models.AccessKey{Name: "test", Key: models.GenerateAccessKey(), IsActive: true}
	assert.NoError(t, db.Create(&key).Error)

	assert.Equal(t, http.StatusOK, doProbe(engine, "Bearer "+key.Key).Code)

	// 停用后立即失效
	db.Model(&key).Update("is_active", false)
	assert.Equal(t, http.StatusUnauthorized, doProbe(engine, "Bearer "+key.Key).Code)
}

func TestAuthMiddlewareUsageLimit(t *testing.T) {
	db := newAuthTestDB(t)
	cfg := &core.Config{}
	engine := newAuthEngine(cfg, db)

	limit := int64(5)
	key := models.AccessKey{Key: models.GenerateAccessKey(), IsActive: true, UsageLimit: &limit, UsageCount: 5}
	assert.NoError(t, db.Create(&key).Error)

	assert.Equal(t, http.StatusUnauthorized, doProbe(engine, "Bearer "+key.Key).Code)
}

func TestAuthMiddlewareIPWhitelist(t *testing.T) {
	db := newAuthTestDB(t)
	// httptest 请求的 RemoteAddr 默认是 192.0.2.1
	cfg := &core.Config{IPWhitelist: []string{"192.0.2.1"}}
	engine := newAuthEngine(cfg, db)

	assert.Equal(t, http.StatusOK, doProbe(engine, "").Code)
}

func TestExtractToken(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("GET", "/?key=from-query", nil)
	assert.Equal(t, "from-query", extractToken(c))

	c.Request = httptest.NewRequest("GET", "/", nil)
	c.Request.Header.Set("x-api-key", "from-header")
	assert.Equal(t, "from-header", extractToken(c))

	c.Request.Header.Set("Authorization", "Bearer from-bearer")
	assert.Equal(t, "from-bearer", extractToken(c))
}

func TestDailyCounter(t *testing.T) {
	counter := newDailyCounter()

	for i := 0; i < 3; i++ {
		assert.True(t, counter.Allow("1.2.3.4", 3))
	}
	assert.False(t, counter.Allow("1.2.3.4", 3))

	// 其他 IP 不受影响
	assert.True(t, counter.Allow("5.6.7.8", 3))

	// limit 0 表示不限制
	for i := 0; i < 100; i++ {
		assert.True(t, counter.Allow("9.9.9.9", 0))
	}
}

func TestDailyCounterResetsOnNewDay(t *testing.T) {
	counter := newDailyCounter()
	assert.True(t, counter.Allow("1.2.3.4", 1))
	assert.False(t, counter.Allow("1.2.3.4", 1))

	// 模拟跨天
	counter.mu.Lock()
	counter.day = time.Now().AddDate(0, 0, -1).Format("2006-01-02")
	counter.mu.Unlock()

	assert.True(t, counter.Allow("1.2.3.4", 1))
}
