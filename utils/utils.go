package utils

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

func FileExist(filePath string) bool {
	_, err := os.Stat(filePath)
	return err == nil
}

func CreateDirIfNotExist(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0755)
	}

	return nil
}

// NewID returns a random identifier suitable for users and browsing contexts.
func NewID() string {
	return uuid.NewString()
}

// NewChunkID returns an opaque, unique audio chunk identifier derived from
// the given time plus a random suffix e.g. chunk_1700000000000_3f2a9c1b
func NewChunkID(at time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("chunk_%d_%s", at.UnixMilli(), suffix)
}

// ContainsString reports whether list contains value.
func ContainsString(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

// RemoveString returns a copy of list without any occurrence of value.
func RemoveString(list []string, value string) []string {
	out := make([]string, 0, len(list))
	for _, item := range list {
		if item != value {
			out = append(out, item)
		}
	}
	return out
}
