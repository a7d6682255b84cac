package capability

import (
	"encoding/base64"
	"fmt"
	"sort"

	"github.com/mcplane/mcplane/shared"
	"github.com/mcplane/mcplane/shared/mcp/schema"
)

// DefaultPageSize bounds one */list page over the in-process registries.
const DefaultPageSize = 100

// paginate pages a key-sorted snapshot of a registry. The cursor is the
// opaque encoding of the last key of the previous page, which stays stable
// across restarts because registries are initialized deterministically.
func paginate[T any](items []T, key func(T) string, cursor *schema.Cursor, pageSize int) ([]T, *schema.Cursor, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	sort.Slice(items, func(i, j int) bool { return key(items[i]) < key(items[j]) })

	start := 0
	if cursor != nil && *cursor != "" {
		lastKey, err := decodeListCursor(*cursor)
		if err != nil {
			return nil, nil, err
		}
		for start < len(items) && key(items[start]) <= lastKey {
			start++
		}
	}

	end := start + pageSize
	if end >= len(items) {
		return items[start:], nil, nil
	}
	next := schema.Cursor(encodeListCursor(key(items[end-1])))
	return items[start:end], &next, nil
}

func encodeListCursor(lastKey string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(lastKey))
}

func decodeListCursor(cursor schema.Cursor) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(string(cursor))
	if err != nil {
		return "", shared.NewInvalidParamsError("Invalid cursor")
	}
	return string(raw), nil
}

// contentForError renders a business error as a text content block.
func contentForError(err error) []schema.Content {
	return []schema.Content{schema.NewTextContent(fmt.Sprintf("Error: %v", err))}
}
