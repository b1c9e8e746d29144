package api

import (
	"formdesk-server/service/form"
	"formdesk-server/service/formsession"
)

type NavigateRequest struct {
	Mode string `json:"mode"`
}

type CreateFormRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type SessionResponse struct {
	SessionID string `json:"sessionid"`
	WSURL     string `json:"wsurl"`
}

type ResultResponse struct {
	Result *form.Result       `json:"result"`
	State  formsession.State `json:"state"`
}

type RenderResponse struct {
	Rendered formsession.Rendered `json:"rendered"`
}
