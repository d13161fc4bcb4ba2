package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrTaskTerminal    = errors.New("task already terminal")
	ErrNoImages        = errors.New("no images produced")
	ErrProviderFailure = errors.New("provider failure")
	ErrDuplicateTask   = errors.New("duplicate task")
)
