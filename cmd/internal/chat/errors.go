package chat

import "errors"

var (
	// ErrInvalidInput reports malformed arguments (empty ids, multiple bodies).
	ErrInvalidInput = errors.New("chat: invalid input")

	// ErrEmptyMessage reports a send with no text, image, or build payload.
	// Resolved locally; no network is attempted.
	ErrEmptyMessage = errors.New("chat: empty message")

	// ErrBlocked reports a send between users with a block in either
	// direction. Checked before the durable write; nothing is mutated.
	ErrBlocked = errors.New("chat: user is blocked")

	// ErrSendFailed reports a transient failure of the durable append.
	// The optimistic entry has been rolled back; the caller may resubmit.
	ErrSendFailed = errors.New("chat: send failed")

	// ErrEditTooOld reports an edit attempted outside the edit window.
	ErrEditTooOld = errors.New("chat: edit window expired")

	// ErrEditUnauthorized reports an edit by someone other than the sender.
	ErrEditUnauthorized = errors.New("chat: only the sender may edit")

	// ErrNotFound reports a missing message or conversation, including a
	// reply-jump to a deleted original.
	ErrNotFound = errors.New("chat: not found")

	// ErrReportFailed reports a best-effort report submission failure.
	ErrReportFailed = errors.New("chat: report submission failed")

	// ErrReactionFailed reports a best-effort reaction write failure.
	ErrReactionFailed = errors.New("chat: reaction write failed")
)
