package service

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"ragchat-backend/models"
)

// Answer normalization is a deterministic pipeline of pure string
// transforms. Each step operates on the output of the previous one; the
// order is part of the contract.

var (
	inlineSourceRe    = regexp.MustCompile(`(?i)\[Source:[^\]]*\]`)
	trailingSourcesRe = regexp.MustCompile(`(?is)(?:\n|^)\s*\**\s*Sources\s*:.*$`)
	dividerLineRe     = regexp.MustCompile(`(?m)^---[ \t]*$`)

	answerLabelRe  = regexp.MustCompile(`(?i)^(?:\*{0,2}\s*)?answer(?:\*{1,2}|\s*[:\-]|\s)\s*\*{0,2}\s*`)
	answerRunOnRe  = regexp.MustCompile(`^(?i:answer)[A-Z]`)
	headingColonRe = regexp.MustCompile(`(:)\s*(#{2,6}\s)`)
	headingInlineRe = regexp.MustCompile(`([^\n])(#{2,6}\s)`)
	sentenceDashRe = regexp.MustCompile(`([.!?])\s*-\s+`)
	headingDashRe  = regexp.MustCompile(`(#{2,6}[^\n]*)\s*-\s+`)
	trailingWSRe   = regexp.MustCompile(`[ \t]+\n`)
	newlineRunRe   = regexp.MustCompile(`\n{3,}`)

	partSectionRe    = regexp.MustCompile(`(?i)\b(part\s+\d+[a-z]?\s*:\s*[A-Za-z][A-Za-z0-9 &()/'\-]{3,90})`)
	sectionSectionRe = regexp.MustCompile(`(?i)\b(section\s+\d+[a-z]?\s*:\s*[A-Za-z][A-Za-z0-9 &()/'\-]{3,90})`)
	outlineSectionRe = regexp.MustCompile(`\b(\d+(?:\.\d+)*[.)]?\s+[A-Z][A-Za-z0-9&()/'\-]*(?:\s+[A-Za-z][A-Za-z0-9&()/'\-]*){0,8})`)
)

// sectionMetadataKeys are checked in order for an explicit section label
var sectionMetadataKeys = []string{"section", "section_name", "relevant_section", "heading", "subheading"}

// NormalizeAnswer removes model output artifacts, normalizes markdown
// structure, enforces the "**Answer**" opener, and appends a grouped
// sources footer when sources are present
func NormalizeAnswer(answer string, sources []models.SourceDocument) string {
	if answer == "" {
		return answer
	}

	cleaned := strings.ReplaceAll(answer, "\r\n", "\n")
	cleaned = strings.ReplaceAll(cleaned, "\r", "\n")
	cleaned = stripInvisible(cleaned)
	cleaned = inlineSourceRe.ReplaceAllString(cleaned, "")
	cleaned = trailingSourcesRe.ReplaceAllString(cleaned, "")
	cleaned = dividerLineRe.ReplaceAllString(cleaned, "")
	cleaned = repairMalformedPrefix(cleaned)
	cleaned = normalizeMarkdownStructure(cleaned)
	cleaned = formatBulletsIfNeeded(cleaned)
	cleaned = compactBlankLines(cleaned)

	if !strings.HasPrefix(cleaned, "**Answer**") {
		cleaned = strings.TrimSpace("**Answer**\n\n" + cleaned)
	}

	cleaned = compactBlankLines(cleaned)

	if len(sources) == 0 {
		return cleaned
	}

	footer := buildSourcesFooter(sources)
	if footer != "" {
		cleaned = cleaned + "\n\n" + footer
	}
	return cleaned
}

// stripInvisible removes zero-width spaces and BOM characters
func stripInvisible(text string) string {
	text = strings.ReplaceAll(text, "\u200b", "")
	return strings.ReplaceAll(text, "\ufeff", "")
}

// repairMalformedPrefix fixes malformed answer prefixes like "|AnswerText"
// left over from model output
func repairMalformedPrefix(text string) string {
	cleaned := strings.TrimLeft(text, "|` \n")
	cleaned = answerLabelRe.ReplaceAllString(cleaned, "")
	// A bare "answer" glued to an upper-case word is a model artifact;
	// strip just the label, keep the word.
	if answerRunOnRe.MatchString(cleaned) {
		cleaned = cleaned[len("answer"):]
	}
	return strings.TrimSpace(cleaned)
}

// normalizeMarkdownStructure improves markdown readability by restoring
// missing line breaks around headings and bullets
func normalizeMarkdownStructure(text string) string {
	normalized := headingColonRe.ReplaceAllString(text, "$1\n\n$2")
	normalized = headingInlineRe.ReplaceAllString(normalized, "$1\n\n$2")
	normalized = sentenceDashRe.ReplaceAllString(normalized, "$1\n- ")
	normalized = headingDashRe.ReplaceAllString(normalized, "$1\n- ")
	normalized = trailingWSRe.ReplaceAllString(normalized, "\n")
	normalized = newlineRunRe.ReplaceAllString(normalized, "\n\n")
	return strings.TrimSpace(normalized)
}

// formatBulletsIfNeeded converts a single-line inline dash list into a
// proper bullet list when it has at least three parts
func formatBulletsIfNeeded(text string) string {
	if strings.Contains(text, "\n") || !strings.Contains(text, " - ") {
		return text
	}

	var parts []string
	for _, part := range strings.Split(text, " - ") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	if len(parts) < 3 {
		return text
	}

	lines := make([]string, len(parts))
	for i, part := range parts {
		lines[i] = "- " + part
	}
	return strings.Join(lines, "\n")
}

// compactBlankLines collapses whitespace-only runs to at most one blank
// line, stripping invisible characters and trailing whitespace per line
func compactBlankLines(text string) string {
	if text == "" {
		return text
	}

	text = stripInvisible(text)
	var compacted []string
	blankCount := 0
	for _, rawLine := range strings.Split(text, "\n") {
		line := stripInvisible(rawLine)
		line = strings.ReplaceAll(line, "\u00a0", " ")
		line = strings.TrimRight(line, " \t")
		if strings.TrimSpace(line) == "" {
			blankCount++
			if blankCount <= 1 {
				compacted = append(compacted, "")
			}
			continue
		}
		blankCount = 0
		compacted = append(compacted, line)
	}

	return strings.TrimSpace(strings.Join(compacted, "\n"))
}

// sourceGroup accumulates citation facts for a single document title
type sourceGroup struct {
	pages    map[int]struct{}
	chunks   map[int]struct{}
	sections map[string]struct{}
}

// buildSourcesFooter builds the single trailing footer line: citations
// grouped by title, labeled with sections, pages (preferred), or chunk
// numbers, titles sorted case-insensitively
func buildSourcesFooter(sources []models.SourceDocument) string {
	if len(sources) == 0 {
		return ""
	}

	grouped := make(map[string]*sourceGroup)
	for _, source := range sources {
		title := source.Title
		if title == "" {
			title = source.ID
		}
		if title == "" {
			title = "Document"
		}

		group, ok := grouped[title]
		if !ok {
			group = &sourceGroup{
				pages:    make(map[int]struct{}),
				chunks:   make(map[int]struct{}),
				sections: make(map[string]struct{}),
			}
			grouped[title] = group
		}

		metadata := source.Metadata
		if page, ok := coerceInt(metadata["page_number"]); ok {
			group.pages[page] = struct{}{}
		} else if chunkIdx, ok := coerceInt(metadata["chunk_index"]); ok {
			group.chunks[chunkIdx+1] = struct{}{}
		}

		if label := extractSectionLabel(metadata, source.Excerpt); label != "" {
			group.sections[label] = struct{}{}
		}
	}

	titles := make([]string, 0, len(grouped))
	for title := range grouped {
		titles = append(titles, title)
	}
	sort.Slice(titles, func(i, j int) bool {
		return strings.ToLower(titles[i]) < strings.ToLower(titles[j])
	})

	entries := make([]string, 0, len(titles))
	for _, title := range titles {
		group := grouped[title]
		pages := sortedInts(group.pages)
		chunks := sortedInts(group.chunks)
		sections := sortedStringsFold(group.sections)

		var labelParts []string
		if len(sections) == 1 {
			labelParts = append(labelParts, "Section: "+sections[0])
		} else if len(sections) > 1 {
			labelParts = append(labelParts, "Sections: "+strings.Join(sections, ", "))
		}
		if len(pages) > 0 {
			labelParts = append(labelParts, numberLabel("Page", "Pages", pages))
		} else if len(chunks) > 0 && len(sections) == 0 {
			labelParts = append(labelParts, numberLabel("Chunk", "Chunks", chunks))
		}

		if len(labelParts) > 0 {
			entries = append(entries, fmt.Sprintf("[Source: %s (%s)]", title, strings.Join(labelParts, ", ")))
		} else {
			entries = append(entries, fmt.Sprintf("[Source: %s]", title))
		}
	}

	return "Sources: " + strings.Join(entries, " ")
}

// numberLabel renders "Page 2" / "Pages 2, 5" style labels
func numberLabel(singular, plural string, numbers []int) string {
	if len(numbers) == 1 {
		return fmt.Sprintf("%s %d", singular, numbers[0])
	}
	parts := make([]string, len(numbers))
	for i, n := range numbers {
		parts[i] = strconv.Itoa(n)
	}
	return plural + " " + strings.Join(parts, ", ")
}

// coerceInt converts page/chunk metadata values to integers safely
func coerceInt(value interface{}) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// extractSectionLabel finds a user-friendly section name from metadata,
// falling back to inference from the excerpt text
func extractSectionLabel(metadata map[string]interface{}, excerpt string) string {
	for _, key := range sectionMetadataKeys {
		value, ok := metadata[key]
		if !ok || value == nil {
			continue
		}
		if label := strings.TrimSpace(fmt.Sprintf("%v", value)); label != "" {
			return label
		}
	}
	return inferSectionFromText(excerpt)
}

// inferSectionFromText infers a section-like label from source text when
// metadata carries none. Best-effort heuristic.
func inferSectionFromText(text string) string {
	if text == "" {
		return ""
	}

	normalized := stripInvisible(text)
	normalized = strings.ReplaceAll(normalized, "\u00a0", " ")
	normalized = strings.Join(strings.Fields(normalized), " ")
	if normalized == "" {
		return ""
	}

	for _, pattern := range []*regexp.Regexp{partSectionRe, sectionSectionRe, outlineSectionRe} {
		match := pattern.FindStringSubmatch(normalized)
		if match == nil {
			continue
		}
		label := strings.TrimRight(strings.TrimSpace(match[1]), ".,;:-")
		if len(label) >= 3 && len(label) <= 110 {
			return label
		}
	}
	return ""
}

// sortedInts returns set members in ascending order
func sortedInts(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// sortedStringsFold returns set members sorted case-insensitively
func sortedStringsFold(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i]) < strings.ToLower(out[j])
	})
	return out
}
