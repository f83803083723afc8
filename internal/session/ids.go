package session

import (
	"fmt"
	"strings"
	"time"
)

const idPrefix = "session_"

// NewID builds a session identifier that embeds the owning user as a suffix:
// session_<unix-millis>_<user>.
func NewID(user string, now time.Time) string {
	return fmt.Sprintf("%s%d_%s", idPrefix, now.UnixMilli(), user)
}

// Owns reports whether id is a well-formed identifier belonging to user.
func Owns(id, user string) bool {
	return user != "" && UserFromID(id) == user
}

// UserFromID extracts the owning user from a well-formed identifier. Used as a
// fallback when the ownership map has lost a record.
func UserFromID(id string) string {
	if !strings.HasPrefix(id, idPrefix) {
		return ""
	}
	rest := strings.TrimPrefix(id, idPrefix)
	i := strings.IndexByte(rest, '_')
	if i < 0 || i == len(rest)-1 {
		return ""
	}
	return rest[i+1:]
}
