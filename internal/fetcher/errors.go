package fetcher

import "errors"

var (
	ErrUnsuccessfulStatus = errors.New("request not successful")
)
