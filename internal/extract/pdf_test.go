package extract

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paperdesk/apps/backend/internal/retry"
)

func TestExtract_NotAPDF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.pdf")
	require.NoError(t, os.WriteFile(path, []byte("plain text, not a pdf"), 0o600))

	_, err := NewPDF().Extract(path)
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
}

func TestExtract_MissingFile(t *testing.T) {
	_, err := NewPDF().Extract(filepath.Join(t.TempDir(), "missing.pdf"))
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
}

func TestPageAt(t *testing.T) {
	res := &Result{
		Text:        "page one text page two text page three",
		PageCount:   3,
		PageOffsets: []int{0, 14, 28},
	}

	assert.Equal(t, 1, res.PageAt(0))
	assert.Equal(t, 1, res.PageAt(13))
	assert.Equal(t, 2, res.PageAt(14))
	assert.Equal(t, 2, res.PageAt(27))
	assert.Equal(t, 3, res.PageAt(28))
	assert.Equal(t, 3, res.PageAt(1000))
}

func TestPageAt_SinglePage(t *testing.T) {
	res := &Result{Text: "only page", PageCount: 1, PageOffsets: []int{0}}
	assert.Equal(t, 1, res.PageAt(0))
	assert.Equal(t, 1, res.PageAt(8))
}
