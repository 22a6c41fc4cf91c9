package summary

import "errors"

var (
	// ErrSummarizationFailed wraps failures of the remote summarizer
	ErrSummarizationFailed = errors.New("remote summarization failed")

	// ErrPersistenceFailed wraps failures to store the new summary list
	ErrPersistenceFailed = errors.New("summary persistence failed")
)
