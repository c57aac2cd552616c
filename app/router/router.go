package router

import (
	"github.com/beego/beego/v2/server/web"
	"github.com/marketplace/chat-backend/app/controllers"
)

// BuildRoutes 构建全部路由组
func BuildRoutes(deps *controllers.Services) *RouteGroup {
	base := controllers.BaseController{Deps: deps}

	root := NewRouteGroup("")
	root.GET("/health", &controllers.HealthController{BaseController: base}, "Health", "健康检查")
	root.GET("/metrics", &controllers.MetricsController{BaseController: base}, "Metrics", "指标数据")

	api := root.Group("/api")

	conversation := &controllers.ConversationController{BaseController: base}
	api.Group("/conversations").
		GET("", conversation, "List", "会话列表").
		GET("/unread", conversation, "Unread", "未读总数").
		POST("/messages", conversation, "Start", "发起会话").
		POST("/support", conversation, "ContactSupport", "联系客服").
		GET("/:id/messages", conversation, "Messages", "打开会话").
		POST("/:id/messages", conversation, "Reply", "回复").
		POST("/:id/read", conversation, "MarkRead", "标记已读").
		GET("/:id/stream", conversation, "Stream", "实时推送")

	assistant := &controllers.AssistantController{BaseController: base}
	api.Group("/assistant").
		POST("/ask", assistant, "Ask", "提问").
		GET("/usage", assistant, "Usage", "今日配额").
		GET("/conversations/:id/messages", assistant, "Messages", "助手会话历史")

	api.Group("/admin").
		POST("/broadcast", &controllers.BroadcastController{BaseController: base}, "Broadcast", "群发")

	return root
}

// Register 把全部路由注册到给定路由器；生产环境传 web.BeeApp.Handlers
func Register(handlers *web.ControllerRegister, deps *controllers.Services) (*RouteGroup, error) {
	root := BuildRoutes(deps)
	if err := root.Register(handlers); err != nil {
		return nil, err
	}
	return root, nil
}
