package utils

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewChunkID(t *testing.T) {
	at := time.UnixMilli(1700000000000)

	first := NewChunkID(at)
	second := NewChunkID(at)

	assert.True(t, strings.HasPrefix(first, "chunk_1700000000000_"), "chunk id should embed the time")
	assert.NotEqual(t, first, second, "chunk ids should be unique for the same instant")
}

func TestStringListHelpers(t *testing.T) {
	list := []string{"a", "b", "a", "c"}

	assert.True(t, ContainsString(list, "c"))
	assert.False(t, ContainsString(list, "z"))
	assert.Equal(t, []string{"b", "c"}, RemoveString(list, "a"))
	assert.Equal(t, []string{"a", "b", "a", "c"}, list, "input should not be mutated")
}

func TestCreateDirIfNotExist(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "db")

	assert.False(t, FileExist(dir))
	assert.Nil(t, CreateDirIfNotExist(dir))
	assert.True(t, FileExist(dir))
	assert.Nil(t, CreateDirIfNotExist(dir), "should be a no-op when dir exists")
}
