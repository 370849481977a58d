// Package models defines the core value types shared across the download
// post-processing pipeline.
package models

import (
	"crypto/rand"
	"strings"

	"github.com/oklog/ulid/v2"
)

// Source identifies which subsystem produced a downloaded file.
type Source string

// Known download sources.
const (
	SourceDirectDownload Source = "direct_download"
	SourceProwlarr       Source = "prowlarr"
)

// External reports whether the source is an external download client
// (torrent/Usenet) whose files the service does not own.
func (s Source) External() bool {
	return s == SourceProwlarr
}

// SearchMode selects between the two search frontends.
type SearchMode string

// Known search modes.
const (
	SearchModeDirect    SearchMode = "direct"
	SearchModeUniversal SearchMode = "universal"
)

// Valid reports whether the mode is one of the known values.
func (m SearchMode) Valid() bool {
	return m == SearchModeDirect || m == SearchModeUniversal
}

// ContentType categorizes the downloaded content. The value "audiobook"
// switches the pipeline to audiobook rules; the remaining values feed the
// content-type routing table.
type ContentType string

// Known content types.
const (
	ContentTypeBook         ContentType = "book"
	ContentTypeFiction      ContentType = "fiction"
	ContentTypeNonFiction   ContentType = "non_fiction"
	ContentTypeComic        ContentType = "comic"
	ContentTypeMagazine     ContentType = "magazine"
	ContentTypeStandards    ContentType = "standards"
	ContentTypeMusicalScore ContentType = "musical_score"
	ContentTypeAudiobook    ContentType = "audiobook"
	ContentTypeUnknown      ContentType = "unknown"
	ContentTypeOther        ContentType = "other"
)

// Audiobook reports whether audiobook rules apply.
func (c ContentType) Audiobook() bool {
	return strings.EqualFold(string(c), string(ContentTypeAudiobook))
}

// DownloadTask carries everything the post-processing pipeline needs to
// know about a completed download. It is produced by the scheduler and is
// immutable from the pipeline's point of view.
type DownloadTask struct {
	// TaskID uniquely identifies the task across the service.
	TaskID string `json:"task_id"`

	// Source tags the origin of the download.
	Source Source `json:"source"`

	// Metadata used to render naming templates.
	Title          string `json:"title"`
	Author         string `json:"author"`
	Series         string `json:"series,omitempty"`
	SeriesPosition string `json:"series_position,omitempty"`
	Subtitle       string `json:"subtitle,omitempty"`
	Year           string `json:"year,omitempty"`

	// Format is the primary expected file extension, without the dot.
	Format string `json:"format"`

	// ContentType categorizes the content for destination routing and
	// format selection.
	ContentType ContentType `json:"content_type"`

	// SearchMode records which frontend created the task.
	SearchMode SearchMode `json:"search_mode,omitempty"`

	// OriginalDownloadPath, when set and equal to the pipeline input path,
	// marks the input as an external torrent-like source that must be
	// preserved for seeding.
	OriginalDownloadPath string `json:"original_download_path,omitempty"`
}

// NewTaskID generates a lexically sortable unique task identifier.
func NewTaskID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}
