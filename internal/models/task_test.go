package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSourceExternal(t *testing.T) {
	assert.False(t, SourceDirectDownload.External())
	assert.True(t, SourceProwlarr.External())
}

func TestSearchModeValid(t *testing.T) {
	assert.True(t, SearchModeDirect.Valid())
	assert.True(t, SearchModeUniversal.Valid())
	assert.False(t, SearchMode("").Valid())
	assert.False(t, SearchMode("fuzzy").Valid())
}

func TestContentTypeAudiobook(t *testing.T) {
	assert.True(t, ContentTypeAudiobook.Audiobook())
	assert.True(t, ContentType("Audiobook").Audiobook())
	assert.False(t, ContentTypeBook.Audiobook())
	assert.False(t, ContentTypeComic.Audiobook())
}

func TestNewTaskID_Unique(t *testing.T) {
	a := NewTaskID()
	b := NewTaskID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestStatusFunc(t *testing.T) {
	var gotKind StatusKind
	var gotMsg string
	sink := StatusFunc(func(kind StatusKind, msg string) {
		gotKind = kind
		gotMsg = msg
	})

	sink.Report(StatusCopying, "Copying book.epub")
	assert.Equal(t, StatusCopying, gotKind)
	assert.Equal(t, "Copying book.epub", gotMsg)
}
