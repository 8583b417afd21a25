package dispatch

import "errors"

var (
	errBadMagic       = errors.New("bad magic in exit wire packet")
	errInvalidAddress = errors.New("invalid target address")
	errExitNotFound   = errors.New("pinned exit not found in catalogue")
	errNoHealthyExit  = errors.New("no healthy exit available for group")
)
