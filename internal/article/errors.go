package article

import "errors"

var (
	ErrNotFound      = errors.New("article not found")
	ErrHasChildren   = errors.New("article has children")
	ErrInvalidParent = errors.New("invalid parent article")
	ErrSelfRelation  = errors.New("article cannot relate to itself")
)
