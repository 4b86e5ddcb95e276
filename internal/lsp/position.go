package lsp

import "strings"

// Positions exchanged with the server count characters in UTF-16 code units.

// utf16Len returns the length of s in UTF-16 code units.
func utf16Len(s string) int {
	count := 0
	for _, r := range s {
		if r >= 0x10000 {
			count += 2 // Surrogate pair
		} else {
			count++
		}
	}
	return count
}

// utf16ToByteOffset converts a UTF-16 offset within a line to a byte offset.
// Offsets past the end clamp to len(s).
func utf16ToByteOffset(s string, utf16Off int) int {
	if utf16Off <= 0 {
		return 0
	}

	count := 0
	for i, r := range s {
		if count >= utf16Off {
			return i
		}
		if r >= 0x10000 {
			count += 2
		} else {
			count++
		}
	}
	return len(s)
}

// PositionToOffset converts pos to a byte offset in content. Lines past the
// end clamp to len(content); characters past the end of a line clamp to the
// line end.
func PositionToOffset(content string, pos Position) int {
	if pos.Line < 0 {
		return 0
	}

	offset := 0
	for line := 0; line < pos.Line; line++ {
		i := strings.IndexByte(content[offset:], '\n')
		if i < 0 {
			return len(content)
		}
		offset += i + 1
	}

	end := strings.IndexByte(content[offset:], '\n')
	if end < 0 {
		end = len(content) - offset
	}
	return offset + utf16ToByteOffset(content[offset:offset+end], pos.Character)
}

// OffsetToPosition converts a byte offset in content to a Position.
func OffsetToPosition(content string, offset int) Position {
	if offset < 0 {
		offset = 0
	}
	if offset > len(content) {
		offset = len(content)
	}

	before := content[:offset]
	line := strings.Count(before, "\n")
	lineStart := strings.LastIndexByte(before, '\n') + 1
	return Position{Line: line, Character: utf16Len(before[lineStart:])}
}

// ComparePositions returns -1 if a < b, 0 if a == b, 1 if a > b.
func ComparePositions(a, b Position) int {
	if a.Line < b.Line {
		return -1
	}
	if a.Line > b.Line {
		return 1
	}
	if a.Character < b.Character {
		return -1
	}
	if a.Character > b.Character {
		return 1
	}
	return 0
}

// IsPositionInRange returns true if pos is within the range (inclusive).
func IsPositionInRange(pos Position, rng Range) bool {
	return ComparePositions(pos, rng.Start) >= 0 && ComparePositions(pos, rng.End) <= 0
}

// applyTextChange applies one content change event to content.
func applyTextChange(content string, change TextDocumentContentChangeEvent) string {
	if change.Range == nil {
		return change.Text
	}

	start := PositionToOffset(content, change.Range.Start)
	end := PositionToOffset(content, change.Range.End)
	if end < start {
		start, end = end, start
	}
	return content[:start] + change.Text + content[end:]
}
