package domain

import "time"

// SessionRecord is the persisted chat session, serialised as
// {"chatId": "...", "timestamp": <epoch ms>}.
type SessionRecord struct {
	ChatID    string `json:"chatId"`
	Timestamp int64  `json:"timestamp"`
}

// CreatedAt returns the record creation instant.
func (r SessionRecord) CreatedAt() time.Time {
	return time.UnixMilli(r.Timestamp)
}

// FreshAt returns true if the record is younger than maxAge at now.
func (r SessionRecord) FreshAt(now time.Time, maxAge time.Duration) bool {
	if r.ChatID == "" || r.Timestamp == 0 {
		return false
	}
	return now.Sub(r.CreatedAt()) < maxAge
}
