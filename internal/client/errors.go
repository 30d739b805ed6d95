package client

import "errors"

var (
	// ErrConnectionNotFound is returned when a connection id has no
	// matching registered connection.
	ErrConnectionNotFound = errors.New("client: connection not found")
)
