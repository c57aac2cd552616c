package controllers

// AssistantController AI助手接口
type AssistantController struct {
	BaseController
}

type askRequest struct {
	ConversationID uint   `json:"conversation_id"`
	Text           string `json:"text" validate:"required,max=2000"`
}

// Ask 提问；配额用完或上游失败时仍返回200，回复内容说明原因
// @router /api/assistant/ask [post]
func (c *AssistantController) Ask() {
	user, ok := c.requireUser()
	if !ok {
		return
	}
	var req askRequest
	if err := c.bindJSON(&req); err != nil {
		c.HandleError(err)
		return
	}

	result, err := c.Deps.Assistant.Ask(c.Ctx.Request.Context(), user, req.ConversationID, req.Text)
	if err != nil {
		c.HandleError(err)
		return
	}
	c.JSONSuccess(result)
}

// Usage 今日剩余次数
// @router /api/assistant/usage [get]
func (c *AssistantController) Usage() {
	user, ok := c.requireUser()
	if !ok {
		return
	}
	c.JSONSuccess(c.Deps.Assistant.Usage(c.Ctx.Request.Context(), user))
}

// Messages 助手会话历史
// @router /api/assistant/conversations/:id/messages [get]
func (c *AssistantController) Messages() {
	user, ok := c.requireUser()
	if !ok {
		return
	}
	id, err := c.paramID()
	if err != nil {
		c.HandleError(err)
		return
	}
	messages, err := c.Deps.Assistant.Messages(c.Ctx.Request.Context(), user, id, c.queryLimit())
	if err != nil {
		c.HandleError(err)
		return
	}
	c.JSONSuccess(messages)
}
