package convert

import "errors"

var (
	errNilJob          = errors.New("nil or unidentified job")
	errBadCounterField = errors.New("unknown counter field")
)
