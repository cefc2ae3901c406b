package transport

import "errors"

var (
	ErrBind             = errors.New("transport: bind failed")
	ErrAccept           = errors.New("transport: accept failed")
	ErrPeerDisconnected = errors.New("transport: peer disconnected")
	ErrMalformedRequest = errors.New("transport: malformed request")
	ErrClosed           = errors.New("transport: closed")
)
