package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewChunkID(t *testing.T) {
	assert.Equal(t, "doc-1:chunk:0", NewChunkID("doc-1", 0))
	assert.Equal(t, "manual.pdf:chunk:42", NewChunkID("manual.pdf", 42))
}

func TestBatchIndexResultAddError(t *testing.T) {
	result := &BatchIndexResult{Success: true}

	result.IndexedCount = 3
	result.AddError("chunk %s: %s", "doc-1:chunk:4", "dimension mismatch")
	result.AddError("chunk %s: %s", "doc-1:chunk:5", "dimension mismatch")

	assert.False(t, result.Success)
	assert.Equal(t, 3, result.IndexedCount)
	assert.Equal(t, 2, result.FailedCount)
	assert.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "doc-1:chunk:4")
}
