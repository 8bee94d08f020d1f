package market

import "errors"

var errEmptyResponse = errors.New("empty snapshot response")
