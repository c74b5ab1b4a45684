package handlers

// Error Codes
const (
	ErrCodeInvalidRequest      = "invalid_request"
	ErrCodeMissingAccount      = "missing_account_id"
	ErrCodeInvalidProviderType = "invalid_provider_type"
	ErrCodeMissingRunID        = "missing_run_id"
	ErrCodeRunNotFound         = "run_not_found"
	ErrCodeSyncFailed          = "sync_failed"
	ErrCodeInvalidRange        = "invalid_range"
	ErrCodeInvalidDate         = "invalid_date"
	ErrCodeInvalidEvent        = "invalid_event"
	ErrCodeNotFound            = "not_found"
	ErrCodeProviderError       = "provider_error"
	ErrCodeAuthFailed          = "authentication_failed"
	ErrCodeInvalidState        = "invalid_state"
	ErrCodeUnknown             = "unknown_error"
)

// ErrorMessages maps error codes to user-friendly messages
var ErrorMessages = map[string]string{
	ErrCodeInvalidRequest:      "Invalid request body.",
	ErrCodeMissingAccount:      "An account_id is required.",
	ErrCodeInvalidProviderType: "Unsupported provider type.",
	ErrCodeMissingRunID:        "A run_id is required.",
	ErrCodeRunNotFound:         "No sync run with this id.",
	ErrCodeSyncFailed:          "Failed to start the sync. Please try again.",
	ErrCodeInvalidRange:        "Range must be day, week or month.",
	ErrCodeInvalidDate:         "Invalid date format. Expected YYYY-MM-DD.",
	ErrCodeInvalidEvent:        "Invalid event.",
	ErrCodeNotFound:            "Not found.",
	ErrCodeProviderError:       "The calendar provider rejected the request.",
	ErrCodeAuthFailed:          "Failed to complete authentication. Please try again.",
	ErrCodeInvalidState:        "Unknown or expired authentication state.",
	ErrCodeUnknown:             "An unknown error occurred.",
}

// GetErrorMessage returns the message for a given error code
func GetErrorMessage(code string) string {
	if msg, ok := ErrorMessages[code]; ok {
		return msg
	}
	return ErrorMessages[ErrCodeUnknown]
}
