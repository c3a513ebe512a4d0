package engine

import "errors"

var (
	ErrNotFound      = errors.New("lending: not found")
	ErrInvalidAmount = errors.New("lending: invalid amount")
	ErrUnauthorized  = errors.New("lending: unauthorized")
	ErrInternal      = errors.New("lending: internal error")
	ErrDuplicate     = errors.New("lending: already registered")
	ErrUnknownCook   = errors.New("lending: unknown cook action")
)
