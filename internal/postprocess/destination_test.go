package postprocess

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfarr/shelfarr/internal/config"
	"github.com/shelfarr/shelfarr/internal/models"
	"github.com/shelfarr/shelfarr/internal/testutil"
)

func TestFinalDestination(t *testing.T) {
	lib := &config.LibraryConfig{
		Destination:          "/books",
		AudiobookDestination: "/audiobooks",
		ContentTypeRouting:   true,
		ContentTypeDirs: map[string]string{
			"comic":    "/comics",
			"magazine": "/magazines",
		},
	}

	tests := []struct {
		name string
		task models.DownloadTask
		want string
	}{
		{
			name: "book uses destination",
			task: models.DownloadTask{Source: models.SourceDirectDownload, ContentType: models.ContentTypeBook},
			want: "/books",
		},
		{
			name: "audiobook uses audiobook destination",
			task: models.DownloadTask{Source: models.SourceDirectDownload, ContentType: models.ContentTypeAudiobook},
			want: "/audiobooks",
		},
		{
			name: "comic routed by content type",
			task: models.DownloadTask{Source: models.SourceDirectDownload, ContentType: models.ContentTypeComic},
			want: "/comics",
		},
		{
			name: "routing only applies to direct downloads",
			task: models.DownloadTask{Source: models.SourceProwlarr, ContentType: models.ContentTypeComic},
			want: "/books",
		},
		{
			name: "unrouted type falls back to destination",
			task: models.DownloadTask{Source: models.SourceDirectDownload, ContentType: models.ContentTypeFiction},
			want: "/books",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FinalDestination(lib, tt.task))
		})
	}
}

func TestFinalDestination_AudiobookFallsBackToBooks(t *testing.T) {
	lib := &config.LibraryConfig{Destination: "/books"}
	task := models.DownloadTask{ContentType: models.ContentTypeAudiobook}
	assert.Equal(t, "/books", FinalDestination(lib, task))
}

func TestValidateDestination(t *testing.T) {
	logger := testutil.DiscardLogger()

	t.Run("existing writable directory", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, ValidateDestination(dir, models.NopStatus, logger))

		// The write probe is gone.
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("missing directory is created", func(t *testing.T) {
		dest := filepath.Join(t.TempDir(), "a", "b")
		require.NoError(t, ValidateDestination(dest, models.NopStatus, logger))

		info, err := os.Stat(dest)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("relative path declines", func(t *testing.T) {
		var errs []string
		sink := models.StatusFunc(func(kind models.StatusKind, msg string) {
			if kind == models.StatusError {
				errs = append(errs, msg)
			}
		})
		assert.Error(t, ValidateDestination("relative/books", sink, logger))
		assert.NotEmpty(t, errs)
	})

	t.Run("file in place of directory declines", func(t *testing.T) {
		dest := filepath.Join(t.TempDir(), "taken")
		testutil.WriteFile(t, dest, "x")
		assert.Error(t, ValidateDestination(dest, models.NopStatus, logger))
	})

	t.Run("unwritable directory declines", func(t *testing.T) {
		if os.Geteuid() == 0 {
			t.Skip("permission bits are ignored when running as root")
		}
		dest := filepath.Join(t.TempDir(), "readonly")
		require.NoError(t, os.MkdirAll(dest, 0o555))
		t.Cleanup(func() { _ = os.Chmod(dest, 0o755) })
		assert.Error(t, ValidateDestination(dest, models.NopStatus, logger))
	})
}
