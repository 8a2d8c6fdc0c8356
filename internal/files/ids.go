package files

import (
	"path"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

var idPattern = regexp.MustCompile(`^[a-f0-9]{24}$`)

// NewID returns a fresh 24-character lowercase hex file id.
func NewID() string {
	return primitive.NewObjectID().Hex()
}

// ValidID reports whether id has the public file id format.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// newStorageKey mints a blob key scoped under the owner.
func newStorageKey(ownerID string) string {
	return path.Join(sanitize(ownerID), uuid.NewString())
}

// sanitize keeps letters, digits, dash and underscore.
func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "owner"
	}
	if b.Len() > 64 {
		return b.String()[:64]
	}
	return b.String()
}
