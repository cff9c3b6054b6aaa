package common

import "errors"

var ErrInvalidInput = errors.New("bad input")
var ErrInvalidCredentials = errors.New("invalid credentials")
var ErrInternal = errors.New("internal error")
