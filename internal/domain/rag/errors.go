package rag

import "errors"

var (
	ErrProcessingTimeout = errors.New("timed out waiting for concurrent processing")
	ErrPersistence       = errors.New("persistence failure")
	ErrEmbeddingProvider = errors.New("embedding provider failure")
	ErrPartialCommit     = errors.New("chunk commit failed")
	ErrGeneration        = errors.New("answer generation failure")
	ErrExtractionPanic   = errors.New("extraction panicked")

	ErrDocumentNotFound = errors.New("document not found")
	ErrEmptyDocument    = errors.New("document is empty")
	ErrUnsupportedType  = errors.New("unsupported file type")
	ErrFileTooLarge     = errors.New("file too large")
	ErrEmptyQuery       = errors.New("query is empty")
	ErrInvalidMode      = errors.New("invalid search mode")
	ErrInvalidChunks    = errors.New("invalid chunks")
)
