package profile

import "errors"

var (
	ErrQueryFailed     = errors.New("profile query failed")
	ErrInvalidUserID   = errors.New("invalid user id")
	ErrUnknownResource = errors.New("no counter table for resource")
)
