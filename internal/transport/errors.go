package transport

import "errors"

var errTunnelClosed = errors.New("tunnel closed")
