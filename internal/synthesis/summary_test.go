package synthesis

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"paperdesk/apps/backend/internal/retrieval"
)

func TestSummaryTypeValidate(t *testing.T) {
	assert.NoError(t, SummaryShort.Validate())
	assert.NoError(t, SummaryDetailed.Validate())
	assert.NoError(t, SummaryRelatedWork.Validate())
	assert.ErrorIs(t, SummaryType("long").Validate(), ErrInvalidSummaryType)
	assert.ErrorIs(t, SummaryType("").Validate(), ErrInvalidSummaryType)
}

func TestSummarize_Short(t *testing.T) {
	gen := new(MockGenerator)
	gen.On("Generate", mock.Anything, mock.MatchedBy(func(p string) bool {
		return strings.Contains(p, "brief single-paragraph summary")
	})).Return("Both papers study sequence models.", nil)

	s := New(gen, fastPolicy(), 0, 0)
	sum, err := s.Summarize(context.Background(), sampleChunks(), SummaryShort)
	require.NoError(t, err)

	assert.Equal(t, "Both papers study sequence models.", sum.Text)
	assert.Empty(t, sum.RelatedWork)
	require.Len(t, sum.Citations, 2)
	assert.Equal(t, "d1", sum.Citations[0].DocumentID)
	assert.Equal(t, "d2", sum.Citations[1].DocumentID)
}

func TestSummarize_RelatedWorkSplitsSections(t *testing.T) {
	gen := new(MockGenerator)
	gen.On("Generate", mock.Anything, mock.Anything).
		Return("Two complementary approaches.\n\nRelated Work: Attention Survey contrasts with CNN Primer [Document: Attention Survey, Page: 2].", nil)

	s := New(gen, fastPolicy(), 0, 0)
	sum, err := s.Summarize(context.Background(), sampleChunks(), SummaryRelatedWork)
	require.NoError(t, err)

	assert.Equal(t, "Two complementary approaches.", sum.Text)
	assert.Contains(t, sum.RelatedWork, "contrasts with")
	assert.NotContains(t, sum.RelatedWork, "Related Work:")
}

func TestSummarize_OneCitationPerDocument(t *testing.T) {
	gen := new(MockGenerator)
	gen.On("Generate", mock.Anything, mock.Anything).Return("Summary text.", nil)

	chunks := append(sampleChunks(), retrieval.RetrievedChunk{
		ChunkID: "c3", DocumentID: "d1", DocumentTitle: "Attention Survey", Text: "More attention detail.", Score: 0.5,
	})

	s := New(gen, fastPolicy(), 0, 0)
	sum, err := s.Summarize(context.Background(), chunks, SummaryDetailed)
	require.NoError(t, err)
	assert.Len(t, sum.Citations, 2)
}

func TestSummarize_NoChunks(t *testing.T) {
	s := New(new(MockGenerator), fastPolicy(), 0, 0)
	_, err := s.Summarize(context.Background(), nil, SummaryShort)
	assert.Error(t, err)
}

func TestSummarize_InvalidType(t *testing.T) {
	s := New(new(MockGenerator), fastPolicy(), 0, 0)
	_, err := s.Summarize(context.Background(), sampleChunks(), SummaryType("exhaustive"))
	assert.ErrorIs(t, err, ErrInvalidSummaryType)
}
