package controllers

import "net/http"

// MetricsController 指标控制器
type MetricsController struct {
	BaseController
}

// Metrics 返回Prometheus格式的指标
func (c *MetricsController) Metrics() {
	c.EnableRender = false
	c.Deps.MetricsHandler.ServeHTTP(c.Ctx.ResponseWriter, c.Ctx.Request)
}

// HealthController 健康检查
type HealthController struct {
	BaseController
}

// Health 存储依赖都可用时返回200，否则503
func (c *HealthController) Health() {
	result := c.Deps.Health.CheckAll(c.Ctx.Request.Context())
	status := http.StatusOK
	if !result.Healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, map[string]interface{}{
		"success": result.Healthy,
		"data":    result,
	})
}
