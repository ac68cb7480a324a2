package friends

import "errors"

var (
	// ErrInvalidInput marks a malformed or missing argument.
	ErrInvalidInput = errors.New("friends: invalid input")

	// ErrNotFound marks a missing request or friendship.
	ErrNotFound = errors.New("friends: not found")

	// ErrSelfRequest marks an attempt to friend oneself.
	ErrSelfRequest = errors.New("friends: cannot friend self")

	// ErrAlreadyFriends marks a request between existing friends.
	ErrAlreadyFriends = errors.New("friends: already friends")

	// ErrRequestExists marks a duplicate pending request in either direction.
	ErrRequestExists = errors.New("friends: request already pending")

	// ErrNotRecipient marks an accept/decline by someone other than the
	// request's recipient.
	ErrNotRecipient = errors.New("friends: not the request recipient")

	// ErrNotSender marks a cancel by someone other than the request's sender.
	ErrNotSender = errors.New("friends: not the request sender")
)
