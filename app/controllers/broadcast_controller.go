package controllers

// BroadcastController 管理员群发
type BroadcastController struct {
	BaseController
}

// Broadcast 给所有用户发送同一条消息，返回成功和失败的数量
// @router /api/admin/broadcast [post]
func (c *BroadcastController) Broadcast() {
	user, ok := c.requireUser()
	if !ok {
		return
	}
	var req textRequest
	if err := c.bindJSON(&req); err != nil {
		c.HandleError(err)
		return
	}

	result, err := c.Deps.Broadcast.SendToAllUsers(c.Ctx.Request.Context(), user, req.Text)
	if err != nil {
		c.HandleError(err)
		return
	}
	c.JSONSuccess(result)
}
