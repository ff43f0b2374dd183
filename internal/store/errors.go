package store

import "errors"

var errDuplicateID = errors.New("duplicate job id")
