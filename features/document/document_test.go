package document

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateTransition_ForwardOnly(t *testing.T) {
	order := []Status{StatusUploaded, StatusProcessing, StatusExtracted, StatusChunked, StatusEmbedded, StatusIndexed}

	for i := 0; i < len(order)-1; i++ {
		assert.NoError(t, ValidateTransition(order[i], order[i+1]), "%s -> %s", order[i], order[i+1])
	}

	// Skipping a stage is illegal
	assert.Error(t, ValidateTransition(StatusUploaded, StatusExtracted))
	assert.Error(t, ValidateTransition(StatusProcessing, StatusChunked))
	assert.Error(t, ValidateTransition(StatusChunked, StatusIndexed))

	// Reverting is illegal
	assert.Error(t, ValidateTransition(StatusIndexed, StatusEmbedded))
	assert.Error(t, ValidateTransition(StatusExtracted, StatusProcessing))
}

func TestValidateTransition_Failed(t *testing.T) {
	for _, from := range []Status{StatusUploaded, StatusProcessing, StatusExtracted, StatusChunked, StatusEmbedded} {
		assert.NoError(t, ValidateTransition(from, StatusFailed), "from %s", from)
	}

	// Terminal states cannot fail
	assert.ErrorIs(t, ValidateTransition(StatusIndexed, StatusFailed), ErrInvalidTransition)
	assert.ErrorIs(t, ValidateTransition(StatusFailed, StatusFailed), ErrInvalidTransition)
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusIndexed.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusUploaded.Terminal())
	assert.False(t, StatusEmbedded.Terminal())
}

func TestStatusNext(t *testing.T) {
	next, ok := StatusUploaded.Next()
	assert.True(t, ok)
	assert.Equal(t, StatusProcessing, next)

	_, ok = StatusIndexed.Next()
	assert.False(t, ok)

	_, ok = StatusFailed.Next()
	assert.False(t, ok)
}

func TestResumeStatus(t *testing.T) {
	assert.Equal(t, StatusUploaded, ResumeStatus(ReasonExtractFailed))
	assert.Equal(t, StatusExtracted, ResumeStatus(ReasonChunkFailed))
	assert.Equal(t, StatusChunked, ResumeStatus(ReasonEmbedFailed))
	assert.Equal(t, StatusEmbedded, ResumeStatus(ReasonIndexFailed))
	assert.Equal(t, StatusUploaded, ResumeStatus(FailureReason("unknown")))
}
