// Package session derives the room a peer joins from the context it was
// started in.
package session

import (
	"net/url"
	"strings"
)

// DefaultRoom is used when the context names no room.
const DefaultRoom = "my_room"

// MaxRoomLength bounds room identifiers.
const MaxRoomLength = 64

// RoomContext is everything DeriveRoomID looks at.
type RoomContext struct {
	// URL is the page or agent address, e.g. http://host/rooms/Team-Diagram.
	URL *url.URL
	// Fallback replaces DefaultRoom when the URL names no room.
	Fallback string
}

// DeriveRoomID returns the room named by the last non-empty segment of the
// URL path, normalized to lowercase letters, digits, '-' and '_'.
func DeriveRoomID(ctx RoomContext) string {
	var segment string
	if ctx.URL != nil {
		parts := strings.Split(ctx.URL.Path, "/")
		for i := len(parts) - 1; i >= 0; i-- {
			if parts[i] != "" {
				segment = parts[i]
				break
			}
		}
	}
	if room := normalize(segment); room != "" {
		return room
	}
	if room := normalize(ctx.Fallback); room != "" {
		return room
	}
	return DefaultRoom
}

// ValidRoomID reports whether room is already in normalized form.
func ValidRoomID(room string) bool {
	return room != "" && normalize(room) == room
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		if b.Len() >= MaxRoomLength {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
