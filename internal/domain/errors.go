package domain

import "errors"

var (
	ErrAccountNotFound   = errors.New("channel account not found")
	ErrConnectorNotFound = errors.New("no connector for channel")
	ErrNotConnected      = errors.New("connector not connected")
	ErrUnknownPlatform   = errors.New("unknown platform")
	ErrNotSupported      = errors.New("operation not supported by platform")
	ErrThreadNotFound    = errors.New("conversation thread not found")
)
