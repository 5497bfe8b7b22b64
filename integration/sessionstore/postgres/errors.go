package postgres

import "errors"

var (
	ErrInvalidTableName = errors.New("invalid session table name")
	ErrNilDB            = errors.New("session store database is nil")
)
