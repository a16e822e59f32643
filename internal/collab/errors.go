package collab

import "errors"

// 协作子系统的错误分类，handler 可根据错误类型映射到合适的 HTTP 状态码。
var (
	ErrNotFound    = errors.New("not found")
	ErrForbidden   = errors.New("forbidden")
	ErrExpired     = errors.New("expired")
	ErrConflict    = errors.New("conflict")
	ErrUnavailable = errors.New("store unavailable")
)
