package obfs

import "errors"

var errTooShortAfterUnmask = errors.New("unmasked buffer shorter than its own length prefix")
