package api

import "task-manager/domain"

const postTaskMaxSize = 16 * 1024 // 16 KiB

// POST /api/sessions response body
type sessionResponse struct {
	SessionID string `json:"sessionId"`
	Token     string `json:"token"`
}

type validationResponse struct {
	Field string                `json:"field"`
	Kind  domain.ValidationKind `json:"kind"`
	Error string                `json:"error"`
}

type tasksResponse struct {
	Tab   domain.Tab    `json:"tab,omitempty"`
	Tasks []domain.Task `json:"tasks"`
}

type formatResponse struct {
	Formatted string `json:"formatted"`
	Valid     bool   `json:"valid"`
}

type validateResponse struct {
	Valid bool `json:"valid"`
}

// POST /api/form/title request body
type titleInputRequest struct {
	Title string `json:"title"`
}

// POST /api/form/date request body
type dateInputRequest struct {
	Raw string `json:"raw"`
}

type dateInputResponse struct {
	Formatted string             `json:"formatted"`
	Valid     bool               `json:"valid"`
	Errors    domain.FieldErrors `json:"errors"`
}

type healthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}
