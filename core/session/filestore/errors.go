package filestore

import "errors"

var (
	ErrEmptyDir        = errors.New("session file store directory is not set")
	ErrInvalidID       = errors.New("session id cannot be used as a file name")
	ErrFailedToOpenDir = errors.New("failed to open session file store directory")
)
