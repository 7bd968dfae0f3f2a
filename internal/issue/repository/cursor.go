package repository

import (
	"fmt"
	"strconv"
	"strings"
)

// EncodeCursor packs a (turnIndex, entryIndex) position into the opaque
// "T:E" form used by log pagination.
func EncodeCursor(turnIndex, entryIndex int) string {
	return fmt.Sprintf("%d:%d", turnIndex, entryIndex)
}

// DecodeCursor unpacks a cursor produced by EncodeCursor.
func DecodeCursor(cursor string) (turnIndex, entryIndex int, err error) {
	turnPart, entryPart, ok := strings.Cut(cursor, ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid cursor: %q", cursor)
	}
	turnIndex, err = strconv.Atoi(turnPart)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid cursor: %q", cursor)
	}
	entryIndex, err = strconv.Atoi(entryPart)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid cursor: %q", cursor)
	}
	return turnIndex, entryIndex, nil
}
