package app

import "errors"

var (
	ErrUnauthenticated = errors.New("connection not authenticated")
	ErrNotGroupMember  = errors.New("sender is not a member of the group")
	ErrRateLimited     = errors.New("rate limited")
)
