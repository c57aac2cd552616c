package controllers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/beego/beego/v2/server/web"
	"github.com/marketplace/chat-backend/app/middleware"
	"github.com/marketplace/chat-backend/internal/errors"
)

const maxBodyBytes = 64 << 10

// BaseController provides helpers for consistent JSON responses.
// Deps 必须是导出字段，beego 每个请求复制控制器时只复制可设置的字段。
type BaseController struct {
	web.Controller
	Deps *Services
}

// JSON writes a JSON response with the supplied HTTP status code.
func (c *BaseController) JSON(status int, payload interface{}) {
	c.Ctx.Output.SetStatus(status)
	c.Data["json"] = payload
	_ = c.ServeJSON()
}

// JSONSuccess writes a standard success envelope.
func (c *BaseController) JSONSuccess(data interface{}) {
	c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    data,
	})
}

// JSONCreated 201 响应
func (c *BaseController) JSONCreated(data interface{}) {
	c.JSON(http.StatusCreated, map[string]interface{}{
		"success": true,
		"data":    data,
	})
}

// HandleError 转换为统一错误响应
func (c *BaseController) HandleError(err error) {
	status, body := c.Deps.Errors.Response(c.Ctx.Input.Method(), c.Ctx.Input.URL(), err)
	c.JSON(status, body)
}

// currentUser 认证过滤器写入的邮箱
func (c *BaseController) currentUser() (string, bool) {
	email, ok := c.Ctx.Input.GetData(middleware.CtxUserEmail).(string)
	return email, ok && email != ""
}

// requireUser 未认证时直接写出401
func (c *BaseController) requireUser() (string, bool) {
	email, ok := c.currentUser()
	if !ok {
		c.HandleError(errors.NewBusinessError(errors.ErrCodeUnauthorized, "Authentication required"))
	}
	return email, ok
}

// bindJSON 解析请求体并按 validate 标签校验
func (c *BaseController) bindJSON(dst interface{}) error {
	body := c.Ctx.Input.RequestBody
	if len(body) == 0 && c.Ctx.Request.Body != nil {
		var err error
		body, err = io.ReadAll(io.LimitReader(c.Ctx.Request.Body, maxBodyBytes))
		if err != nil {
			return errors.NewValidationError("failed to read request body").WithCause(err)
		}
	}
	if len(body) == 0 {
		return errors.NewValidationError("request body is empty")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return errors.NewValidationError("request body must be valid JSON").WithCause(err)
	}
	// ValidationErrors 由错误转换器展开成字段明细
	return c.Deps.Validate.Struct(dst)
}

// paramID 路径中的 :id
func (c *BaseController) paramID() (uint, error) {
	raw := c.Ctx.Input.Param(":id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, errors.NewValidationError("id must be a positive integer")
	}
	return uint(id), nil
}

// queryLimit 查询参数 limit，缺省或非法时返回0交给服务层取默认值
func (c *BaseController) queryLimit() int {
	limit, err := strconv.Atoi(c.GetString("limit"))
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}
