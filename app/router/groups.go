package router

import (
	"fmt"
	"strings"

	"github.com/beego/beego/v2/server/web"
)

// RouteGroup 路由组
type RouteGroup struct {
	prefix   string
	children []*RouteGroup
	routes   []Route
}

// Route 路由定义
type Route struct {
	Method     string
	Path       string
	Handler    string
	Comment    string
	controller web.ControllerInterface
}

// NewRouteGroup 创建路由组
func NewRouteGroup(prefix string) *RouteGroup {
	return &RouteGroup{
		prefix:   prefix,
		children: make([]*RouteGroup, 0),
		routes:   make([]Route, 0),
	}
}

// Group 创建子路由组
func (rg *RouteGroup) Group(prefix string) *RouteGroup {
	child := NewRouteGroup(prefix)
	rg.children = append(rg.children, child)
	return child
}

// Add 添加路由
func (rg *RouteGroup) Add(method, path string, c web.ControllerInterface, handler string, comment ...string) *RouteGroup {
	route := Route{
		Method:     strings.ToUpper(method),
		Path:       path,
		Handler:    handler,
		controller: c,
	}
	if len(comment) > 0 {
		route.Comment = comment[0]
	}
	rg.routes = append(rg.routes, route)
	return rg
}

// GET 添加GET路由
func (rg *RouteGroup) GET(path string, c web.ControllerInterface, handler string, comment ...string) *RouteGroup {
	return rg.Add("GET", path, c, handler, comment...)
}

// POST 添加POST路由
func (rg *RouteGroup) POST(path string, c web.ControllerInterface, handler string, comment ...string) *RouteGroup {
	return rg.Add("POST", path, c, handler, comment...)
}

// Register 把路由组及其子组注册到路由器
func (rg *RouteGroup) Register(handlers *web.ControllerRegister) error {
	return rg.register(handlers, "")
}

func (rg *RouteGroup) register(handlers *web.ControllerRegister, pathPrefix string) error {
	currentPrefix := pathPrefix + rg.prefix

	for _, route := range rg.routes {
		pattern := currentPrefix + route.Path
		if pattern == "" {
			pattern = "/"
		}
		mapping := strings.ToLower(route.Method) + ":" + route.Handler
		if err := safeAdd(handlers, pattern, route.controller, mapping); err != nil {
			return fmt.Errorf("register %s %s: %w", route.Method, pattern, err)
		}
	}

	for _, child := range rg.children {
		if err := child.register(handlers, currentPrefix); err != nil {
			return err
		}
	}
	return nil
}

// safeAdd beego 在方法不存在时 panic，这里转成错误
func safeAdd(handlers *web.ControllerRegister, pattern string, c web.ControllerInterface, mapping string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	handlers.Add(pattern, c, web.WithRouterMethods(c, mapping))
	return nil
}

// GetAllRoutes 获取所有路由定义（用于调试和文档）
func (rg *RouteGroup) GetAllRoutes() []RouteDefinition {
	var routes []RouteDefinition
	rg.collectRoutes("", &routes)
	return routes
}

func (rg *RouteGroup) collectRoutes(prefix string, routes *[]RouteDefinition) {
	currentPrefix := prefix + rg.prefix

	for _, route := range rg.routes {
		*routes = append(*routes, RouteDefinition{
			Method:  route.Method,
			Path:    currentPrefix + route.Path,
			Handler: route.Handler,
			Comment: route.Comment,
		})
	}

	for _, child := range rg.children {
		child.collectRoutes(currentPrefix, routes)
	}
}

// RouteDefinition 路由定义
type RouteDefinition struct {
	Method  string `json:"method"`
	Path    string `json:"path"`
	Handler string `json:"handler"`
	Comment string `json:"comment,omitempty"`
}
