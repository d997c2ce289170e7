package chunker

import (
	"errors"
	"regexp"
	"strings"
	"unicode"

	"ragchat-backend/models"
)

// ErrInvalidChunkSize is returned when chunk size is not positive
var ErrInvalidChunkSize = errors.New("chunk size must be positive")

// DefaultChunkSize is the word count used for document ingestion
const DefaultChunkSize = 500

var (
	labeledHeadingRe = regexp.MustCompile(`^(part|section|chapter)\s+\d+[a-z]?\s*:`)
	outlineHeadingRe = regexp.MustCompile(`^\d+(?:\.\d+)*[\.)]?\s+[A-Za-z].*$`)
)

// ChunkText splits text into chunks of up to chunkSize words, tagging each
// chunk with the section heading that was active when the chunk started.
// Blank lines are skipped; a trailing partial chunk is flushed regardless of
// size; records whose content is empty after trimming are excluded.
func ChunkText(text string, chunkSize int) ([]models.ChunkRecord, error) {
	if chunkSize <= 0 {
		return nil, ErrInvalidChunkSize
	}

	lines := strings.Split(text, "\n")

	var (
		chunks         []models.ChunkRecord
		chunkWords     []string
		chunkSection   string
		currentSection string
	)

	flush := func() {
		if len(chunkWords) == 0 {
			return
		}
		content := strings.TrimSpace(strings.Join(chunkWords, " "))
		if content != "" {
			chunks = append(chunks, models.ChunkRecord{
				Content:     content,
				SectionName: chunkSection,
			})
		}
		chunkWords = nil
		chunkSection = ""
	}

	for _, rawLine := range lines {
		line := normalizeLine(rawLine)
		if line == "" {
			continue
		}

		if heading := detectHeading(line); heading != "" {
			currentSection = heading
		}

		words := strings.Fields(line)
		idx := 0
		for idx < len(words) {
			if len(chunkWords) == 0 {
				// Section is captured when the chunk starts filling, not
				// when it closes.
				chunkSection = currentSection
			}

			remaining := chunkSize - len(chunkWords)
			take := words[idx:min(idx+remaining, len(words))]
			chunkWords = append(chunkWords, take...)
			idx += len(take)

			if len(chunkWords) >= chunkSize {
				flush()
			}
		}
	}

	flush()
	return chunks, nil
}

// Contents returns just the chunk text bodies, in order
func Contents(records []models.ChunkRecord) []string {
	contents := make([]string, len(records))
	for i, record := range records {
		contents[i] = record.Content
	}
	return contents
}

// normalizeLine collapses whitespace runs and non-breaking spaces in a line
func normalizeLine(line string) string {
	line = strings.ReplaceAll(line, "\u00a0", " ")
	return strings.Join(strings.Fields(line), " ")
}

// detectHeading reports whether a normalized line looks like a section
// heading, returning the heading text or "". Matches "Part N:", numeric
// outline markers ("1.2 Title"), and short all-caps lines. Bullets and long
// lines are never headings.
func detectHeading(line string) string {
	if line == "" {
		return ""
	}

	switch line[0] {
	case '-', '*':
		return ""
	}
	if strings.HasPrefix(line, "•") {
		return ""
	}

	if len(line) > 140 {
		return ""
	}

	stripped := strings.TrimRight(line, ":")
	wordCount := len(strings.Fields(stripped))
	if wordCount == 0 || wordCount > 14 {
		return ""
	}

	if labeledHeadingRe.MatchString(strings.ToLower(stripped)) {
		return stripped
	}

	if outlineHeadingRe.MatchString(stripped) {
		return stripped
	}

	if isUpper(stripped) && wordCount <= 10 {
		return stripped
	}

	return ""
}

// isUpper reports whether s has at least one cased letter and none of them
// are lower case
func isUpper(s string) bool {
	hasCased := false
	for _, r := range s {
		if unicode.IsLower(r) {
			return false
		}
		if unicode.IsUpper(r) {
			hasCased = true
		}
	}
	return hasCased
}
