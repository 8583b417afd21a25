package fabric

import "errors"

var errConnectionCapExceeded = errors.New("session connection cap exceeded")
