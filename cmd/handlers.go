package main

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"gemini-gateway/core"
	"gemini-gateway/core/storage"
	"gemini-gateway/models"
)

// handleChatCompletions OpenAI 兼容的聊天入口
func handleChatCompletions(orch *core.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.ChatCompletionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, models.ErrorResponse{
				Error: models.ErrorDetail{Message: "Invalid request body: " + err.Error(), Type: "invalid_request_error"},
			})
			return
		}
		if req.Model == "" || len(req.Messages) == 0 {
			c.JSON(http.StatusBadRequest, models.ErrorResponse{
				Error: models.ErrorDetail{Message: "model and messages are required", Type: "invalid_request_error"},
			})
			return
		}
		c.Set("request_model", req.Model)
		orch.Handle(c, req)
	}
}

// handleListModels 返回当前可用模型列表
func handleListModels(registry *core.ModelRegistry) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, models.NewModelList(registry.List()))
	}
}

// handleHealth 健康检查
func handleHealth(pool *core.KeyPool) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"pool_size": pool.Size(),
			"timestamp": time.Now().Unix(),
		})
	}
}

// handleGetImage 回源读取已保存的生成图片
func handleGetImage(sink storage.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		data, mimeType, err := sink.Fetch(c.Request.Context(), name)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				c.JSON(http.StatusNotFound, models.NewErrorResponse("image not found"))
				return
			}
			c.JSON(http.StatusInternalServerError, models.NewErrorResponse("failed to read image"))
			return
		}
		c.Header("Cache-Control", "public, max-age=31536000")
		c.Data(http.StatusOK, mimeType, data)
	}
}

// handlePoolStatus 管理接口：查看密钥池状态（脱敏）
func handlePoolStatus(pool *core.KeyPool) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, models.NewSuccessResponse("ok", pool.Snapshot()))
	}
}

// handleListAccessKeys 管理接口：访问密钥列表
func handleListAccessKeys(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var keys []models.AccessKey
		if err := db.Order("id desc").Find(&keys).Error; err != nil {
			c.JSON(http.StatusInternalServerError, models.NewErrorResponse("failed to list access keys"))
			return
		}
		c.JSON(http.StatusOK, models.NewSuccessResponse("ok", keys))
	}
}

// handleCreateAccessKey 管理接口：签发访问密钥
func handleCreateAccessKey(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Name       string     `json:"name"`
			UsageLimit *int64     `json:"usage_limit"`
			ExpiresAt  *time.Time `json:"expires_at"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, models.NewErrorResponse("invalid request body"))
			return
		}

		key := models.AccessKey{
			Name:       req.Name,
			Key:        models.GenerateAccessKey(),
			UsageLimit: req.UsageLimit,
			ExpiresAt:  req.ExpiresAt,
			IsActive:   true,
		}
		if err := db.Create(&key).Error; err != nil {
			c.JSON(http.StatusInternalServerError, models.NewErrorResponse("failed to create access key"))
			return
		}
		c.JSON(http.StatusOK, models.NewSuccessResponse("access key created", key))
	}
}

// handleUpdateAccessKey 管理接口：启停或调整访问密钥
func handleUpdateAccessKey(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, models.NewErrorResponse("invalid key id"))
			return
		}

		var key models.AccessKey
		if err := db.First(&key, uint(id)).Error; err != nil {
			c.JSON(http.StatusNotFound, models.NewErrorResponse("access key not found"))
			return
		}

		var req struct {
			Name       *string    `json:"name"`
			UsageLimit *int64     `json:"usage_limit"`
			ExpiresAt  *time.Time `json:"expires_at"`
			IsActive   *bool      `json:"is_active"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, models.NewErrorResponse("invalid request body"))
			return
		}

		if req.Name != nil {
			key.Name = *req.Name
		}
		if req.UsageLimit != nil {
			key.UsageLimit = req.UsageLimit
		}
		if req.ExpiresAt != nil {
			key.ExpiresAt = req.ExpiresAt
		}
		if req.IsActive != nil {
			key.IsActive = *req.IsActive
		}
		if err := db.Save(&key).Error; err != nil {
			c.JSON(http.StatusInternalServerError, models.NewErrorResponse("failed to update access key"))
			return
		}
		c.JSON(http.StatusOK, models.NewSuccessResponse("access key updated", key))
	}
}

// handleDeleteAccessKey 管理接口：删除访问密钥
func handleDeleteAccessKey(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, models.NewErrorResponse("invalid key id"))
			return
		}
		if err := db.Delete(&models.AccessKey{}, uint(id)).Error; err != nil {
			c.JSON(http.StatusInternalServerError, models.NewErrorResponse("failed to delete access key"))
			return
		}
		c.JSON(http.StatusOK, models.NewSuccessResponse("access key deleted", nil))
	}
}

// handleListMedia 管理接口：分页查看已保存的媒体
func handleListMedia(sink storage.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
		pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
		if page < 1 {
			page = 1
		}
		if pageSize < 1 || pageSize > 100 {
			pageSize = 20
		}

		items, total, err := sink.List(page, pageSize)
		if err != nil {
			c.JSON(http.StatusInternalServerError, models.NewErrorResponse("failed to list media"))
			return
		}
		c.JSON(http.StatusOK, models.NewSuccessResponse("ok", gin.H{
			"items":     items,
			"total":     total,
			"page":      page,
			"page_size": pageSize,
		}))
	}
}

// handleDeleteMedia 管理接口：删除一个媒体文件
func handleDeleteMedia(sink storage.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !sink.Delete(c.Request.Context(), c.Param("name")) {
			c.JSON(http.StatusNotFound, models.NewErrorResponse("media not found"))
			return
		}
		c.JSON(http.StatusOK, models.NewSuccessResponse("media deleted", nil))
	}
}

// handleListProxyMappings 管理接口：透传映射列表
func handleListProxyMappings(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var mappings []models.ProxyMapping
		if err := db.Order("id").Find(&mappings).Error; err != nil {
			c.JSON(http.StatusInternalServerError, models.NewErrorResponse("failed to list proxy mappings"))
			return
		}
		c.JSON(http.StatusOK, models.NewSuccessResponse("ok", mappings))
	}
}

// handleCreateProxyMapping 管理接口：新增透传映射并热加载
func handleCreateProxyMapping(db *gorm.DB, proxy *core.PassthroughProxy) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Prefix    string `json:"prefix" binding:"required"`
			TargetURL string `json:"target_url" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, models.NewErrorResponse("prefix and target_url are required"))
			return
		}

		mapping := models.ProxyMapping{Prefix: req.Prefix, TargetURL: req.TargetURL}
		if err := db.Create(&mapping).Error; err != nil {
			c.JSON(http.StatusInternalServerError, models.NewErrorResponse("failed to create proxy mapping"))
			return
		}
		proxy.Reload()
		c.JSON(http.StatusOK, models.NewSuccessResponse("proxy mapping created", mapping))
	}
}

// handleDeleteProxyMapping 管理接口：删除透传映射并热加载
func handleDeleteProxyMapping(db *gorm.DB, proxy *core.PassthroughProxy) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, models.NewErrorResponse("invalid mapping id"))
			return
		}
		if err := db.Delete(&models.ProxyMapping{}, uint(id)).Error; err != nil {
			c.JSON(http.StatusInternalServerError, models.NewErrorResponse("failed to delete proxy mapping"))
			return
		}
		proxy.Reload()
		c.JSON(http.StatusOK, models.NewSuccessResponse("proxy mapping deleted", nil))
	}
}

// handleRequestLogs 管理接口：最近的请求日志
func handleRequestLogs(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		if limit < 1 || limit > 1000 {
			limit = 100
		}
		var logs []models.RequestLog
		if err := db.Order("id desc").Limit(limit).Find(&logs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, models.NewErrorResponse("failed to list request logs"))
			return
		}
		c.JSON(http.StatusOK, models.NewSuccessResponse("ok", logs))
	}
}
