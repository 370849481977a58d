package postprocess

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/shelfarr/shelfarr/internal/models"
)

// Template tokens, ordered longest-first so SeriesPosition matches before
// Series when substituting inside a group.
var templateTokens = []string{
	"SeriesPosition",
	"PartNumber",
	"Subtitle",
	"Author",
	"Series",
	"Title",
	"Year",
}

// BuildMetadata maps template tokens to their values for a task.
// partNumber is the zero-padded sequential index for multi-file sets, or ""
// for single-file outputs.
func BuildMetadata(task models.DownloadTask, partNumber string) map[string]string {
	return map[string]string{
		"Author":         task.Author,
		"Title":          task.Title,
		"Year":           task.Year,
		"Series":         task.Series,
		"SeriesPosition": task.SeriesPosition,
		"Subtitle":       task.Subtitle,
		"PartNumber":     partNumber,
	}
}

// RenderTemplate expands a naming template over metadata.
//
// Templates mix literal text with {...} groups. A group containing only a
// token name expands to the token's value. A group mixing literal text with
// tokens (a conditional prefix group, like "{ - Part PartNumber}" or
// "{Series/}") expands only when at least one enclosed token resolves to a
// non-empty value; otherwise the entire group, literal text included, is
// elided.
//
// In organize mode, slashes in the template's literal text create
// subdirectories and the result is cleaned per path segment. In rename mode
// the result is a single filename and every separator is sanitized away.
// Token values are always sanitized before insertion, so metadata can never
// introduce path structure.
func RenderTemplate(tmpl string, meta map[string]string, organize bool) string {
	var out strings.Builder

	for i := 0; i < len(tmpl); {
		if tmpl[i] != '{' {
			out.WriteByte(tmpl[i])
			i++
			continue
		}

		end := strings.IndexByte(tmpl[i:], '}')
		if end < 0 {
			// Unterminated group: the brace is literal.
			out.WriteString(tmpl[i:])
			break
		}

		group := tmpl[i+1 : i+end]
		out.WriteString(expandGroup(group, meta))
		i += end + 1
	}

	if organize {
		return cleanPathSegments(out.String())
	}
	return sanitizeComponent(out.String())
}

// expandGroup substitutes tokens inside one {...} group and applies the
// conditional-elision rule.
func expandGroup(group string, meta map[string]string) string {
	var out strings.Builder
	hasToken := false
	nonEmpty := false

	for i := 0; i < len(group); {
		matched := false
		for _, token := range templateTokens {
			if strings.HasPrefix(group[i:], token) {
				hasToken = true
				value := sanitizeComponent(meta[token])
				if value != "" {
					nonEmpty = true
				}
				out.WriteString(value)
				i += len(token)
				matched = true
				break
			}
		}
		if !matched {
			out.WriteByte(group[i])
			i++
		}
	}

	if hasToken && !nonEmpty {
		return ""
	}
	return out.String()
}

// illegalReplacer maps characters that are unsafe in filenames to safe
// equivalents.
var illegalReplacer = strings.NewReplacer(
	"/", "-",
	"\\", "-",
	":", " -",
	"*", "",
	"?", "",
	"\"", "'",
	"<", "",
	">", "",
	"|", "-",
	"\x00", "",
)

// sanitizeComponent makes a string safe as a single filename component:
// illegal characters get safe equivalents, whitespace collapses, and
// leading/trailing whitespace and dots are stripped.
func sanitizeComponent(s string) string {
	s = illegalReplacer.Replace(s)
	s = strings.Join(strings.Fields(s), " ")
	return strings.Trim(s, " .")
}

// cleanPathSegments normalizes an organize-mode rendering: each segment is
// trimmed like a filename component and empty segments are dropped.
func cleanPathSegments(s string) string {
	parts := strings.Split(s, "/")
	cleaned := parts[:0]
	for _, part := range parts {
		part = strings.Trim(part, " .")
		if part != "" {
			cleaned = append(cleaned, part)
		}
	}
	return strings.Join(cleaned, "/")
}

// PartNumberFor returns the rendered part number for index i (0-based) in a
// set of total files: "01", "02", ... for multi-file sets and "" for
// single-file outputs.
func PartNumberFor(i, total int) string {
	if total <= 1 {
		return ""
	}
	return fmt.Sprintf("%02d", i+1)
}

// RenderName produces the destination-relative path for one prepared file.
// With organization disabled it keeps the source's base name; otherwise the
// configured template is rendered and the source extension appended.
func RenderName(organization, tmpl string, task models.DownloadTask, source, partNumber string) string {
	ext := strings.ToLower(filepath.Ext(source))

	switch organization {
	case "rename":
		return RenderTemplate(tmpl, BuildMetadata(task, partNumber), false) + ext
	case "organize":
		return RenderTemplate(tmpl, BuildMetadata(task, partNumber), true) + ext
	default:
		return filepath.Base(source)
	}
}
