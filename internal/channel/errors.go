package channel

import "errors"

var errNoValue = errors.New("no value available")
