package ci

import "net/http"

// Response is the outcome of a user-facing action that can be refused without raising.
type Response struct {
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
	Reason     string `json:"reason,omitempty"`
	HTTPStatus int    `json:"-"`
	Build      *Build `json:"build,omitempty"`
}

func Success(b *Build) Response {
	return Response{Status: "success", HTTPStatus: http.StatusOK, Build: b}
}

func Unprocessable(message string) Response {
	return Response{
		Status:     "error",
		Message:    message,
		Reason:     "unprocessable_entity",
		HTTPStatus: http.StatusUnprocessableEntity,
	}
}

func (r Response) IsSuccess() bool { return r.Status == "success" }
