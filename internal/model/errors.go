package model

import "errors"

var (
	ErrDuplicateID        = errors.New("record id already exists")
	ErrNotFound           = errors.New("record not found")
	ErrIndexInconsistency = errors.New("entity index inconsistent with records")
	ErrInvalidRecord      = errors.New("invalid record")
)
