// Package testutil provides shared fixtures for pipeline tests.
package testutil

import (
	"archive/zip"
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shelfarr/shelfarr/internal/models"
)

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// WriteFile creates a file with the given content, creating parents.
func WriteFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// MakeZip writes a zip archive at path containing the given name->content
// entries.
func MakeZip(t *testing.T, path string, entries map[string]string) {
	t.Helper()

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range entries {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

// SampleTask returns a plausible direct-download book task.
func SampleTask() models.DownloadTask {
	return models.DownloadTask{
		TaskID:      models.NewTaskID(),
		Source:      models.SourceDirectDownload,
		Title:       "The Way of Kings",
		Author:      "Brandon Sanderson",
		Year:        "2010",
		Format:      "epub",
		ContentType: models.ContentTypeBook,
		SearchMode:  models.SearchModeDirect,
	}
}

// TorrentTask returns an external torrent-like task whose original download
// path is the given input.
func TorrentTask(input string) models.DownloadTask {
	task := SampleTask()
	task.Source = models.SourceProwlarr
	task.SearchMode = models.SearchModeUniversal
	task.OriginalDownloadPath = input
	return task
}
