package chat

import "time"

// Operational limits — named constants for values enforced across the
// engine and the HTTP layer.
const (
	// MaxSenderLength is the maximum length of a sender name after trimming.
	MaxSenderLength = 100

	// MaxContentLength is the maximum length of a message body after
	// trimming.
	MaxContentLength = 10000

	// MaxRoomNameLength bounds room names.
	MaxRoomNameLength = 100

	// MaxEmojiLength bounds a reaction emoji. Generous enough for multi
	// codepoint sequences with variation selectors.
	MaxEmojiLength = 32

	// MaxBroadcastRooms is the maximum number of rooms one broadcast call
	// may target.
	MaxBroadcastRooms = 20

	// MaxMetadataBytes bounds the serialized metadata attached to a message
	// or profile.
	MaxMetadataBytes = 4096

	// typingDedup is the window within which repeated typing signals from
	// the same (room, sender) are suppressed.
	typingDedup = 2 * time.Second

	// typingRetention is how long a typing entry survives before the
	// pruner drops it.
	typingRetention = 30 * time.Second

	// MaxThreadDepth caps the descendant walk when assembling a thread.
	MaxThreadDepth = 100
)
