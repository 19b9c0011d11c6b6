package models

// DeadLetterReason represents why a job was sent to the DLQ
type DeadLetterReason string

const (
	DLQReasonLoaderError     DeadLetterReason = "loader_error"
	DLQReasonExtractionError DeadLetterReason = "extraction_error"
	DLQReasonUnknownSource   DeadLetterReason = "unknown_source"
	DLQReasonInvalidJob      DeadLetterReason = "invalid_job"
	DLQReasonMaxRetries      DeadLetterReason = "max_retries_exceeded"
	DLQReasonUnknown         DeadLetterReason = "unknown"
)
