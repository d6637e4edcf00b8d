package domain

import "errors"

var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrDuplicateHandler  = errors.New("duplicate handler name")
	ErrBatchNotFound     = errors.New("batch not found")
	ErrSupplierNotFound  = errors.New("supplier not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrStaleBatch        = errors.New("batch changed concurrently")
	ErrInvalidCookieFile = errors.New("invalid cookie file")
)
