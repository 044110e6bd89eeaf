package app

import "errors"

var (
	ErrInvalidConfig       = errors.New("invalid configuration")
	ErrUnknownProvider     = errors.New("unknown billing provider")
	ErrUnknownProfileStore = errors.New("unknown profile store")
	ErrPostgresRequired    = errors.New("PG_CONN_URL is required for the postgres profile store")
)
