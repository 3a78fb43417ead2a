package http

import (
	"replog/pkg/replog"
	"replog/pkg/types"
)

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response represents the standard API response format.
type Response struct {
	Status Status          `json:"status,omitempty"`
	Value  string          `json:"value,omitempty"`
	Index  *types.LogIndex `json:"index,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type EntriesResponse struct {
	Entries []replog.Entry `json:"entries"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewValueResponse(value string) Response {
	return Response{Status: StatusSuccess, Value: value}
}

func NewIndexResponse(index types.LogIndex) Response {
	return Response{Status: StatusSuccess, Index: &index}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}
