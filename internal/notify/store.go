// Package notify remembers which pending requests the manager bot has
// announced, and where, and which ones were already decided, so neither
// restarts nor stale snapshots re-announce them.
package notify

import "time"

// Announcement is one pending-request message posted to an admin chat
type Announcement struct {
	RequestID   string
	ChatID      int64
	MessageID   int
	AnnouncedAt time.Time
}

// ChatPrefs holds per-admin-chat notification preferences
type ChatPrefs struct {
	ChatID int64
	Muted  bool
}

// Store defines the interface for announcement bookkeeping
type Store interface {
	// IsAnnounced reports whether requestID was already posted to chatID
	IsAnnounced(requestID string, chatID int64) (bool, error)
	// MarkAnnounced records a posted announcement, replacing an older one
	// for the same request and chat
	MarkAnnounced(a Announcement) error
	// Announcements lists every chat a request was posted to
	Announcements(requestID string) ([]Announcement, error)
	// RequestIDs lists every unresolved request with at least one
	// announcement
	RequestIDs() ([]string, error)
	// MarkResolved records that a request was decided and drops its
	// announcements. The record keeps the request from being announced
	// again until Forget.
	MarkResolved(requestID string) error
	// IsResolved reports whether requestID was marked resolved
	IsResolved(requestID string) (bool, error)
	// ResolvedBefore lists requests marked resolved before t
	ResolvedBefore(t time.Time) ([]string, error)
	// Forget drops all announcements and the resolved record of a request
	Forget(requestID string) error

	// Prefs returns a chat's preferences, defaulting to unmuted
	Prefs(chatID int64) (*ChatPrefs, error)
	// SavePrefs persists a chat's preferences
	SavePrefs(p *ChatPrefs) error

	// Close releases resources
	Close() error
}
