package chat

import "time"

const (
	// DefaultWindowSize is the subscribed window delivered on every change.
	DefaultWindowSize = 100

	// DefaultHistoryPage is the page size for one-shot older-history reads.
	DefaultHistoryPage = 50

	// MaxHistoryPage bounds history reads regardless of the requested size.
	MaxHistoryPage = 200

	// MaxMessageChars bounds message text length (runes).
	MaxMessageChars = 4000

	// SnippetRunes bounds notification preview snippets.
	SnippetRunes = 100
)

const (
	// EditWindow is how long after send the sender may still edit.
	EditWindow = 5 * time.Minute

	// MarkReadInterval is the periodic read-state refresh while a
	// conversation is the active view.
	MarkReadInterval = 3 * time.Second
)
