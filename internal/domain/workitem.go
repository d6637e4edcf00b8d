package domain

import "github.com/google/uuid"

// WorkItem is the unit a handler fetches and later processes exactly once.
type WorkItem interface {
	ItemID() uuid.UUID
}

// Ref identifies a record by ID only; the handler reloads it when processing.
type Ref struct {
	ID uuid.UUID
}

func (r Ref) ItemID() uuid.UUID { return r.ID }

// Resource points at remote content to be processed.
type Resource struct {
	ID          uuid.UUID
	URI         string
	ContentType string
}

func (r Resource) ItemID() uuid.UUID { return r.ID }

// Record wraps a domain value fetched together with its ID.
type Record[T any] struct {
	ID    uuid.UUID
	Value T
}

func (r Record[T]) ItemID() uuid.UUID { return r.ID }
