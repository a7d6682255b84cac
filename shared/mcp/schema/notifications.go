package schema

// ProgressNotificationParams contains notifications/progress parameters.
type ProgressNotificationParams struct {
	// The progress token associated with the original request.
	ProgressToken interface{} `json:"progressToken"` // string or integer
	// The progress thus far. Should increase over time.
	Progress float64 `json:"progress"`
	// Total progress required, if known.
	Total *float64 `json:"total,omitempty"`
	// An optional message describing the current progress.
	Message string `json:"message,omitempty"`
}

// CancelledNotificationParams contains notifications/cancelled parameters.
type CancelledNotificationParams struct {
	RequestID RequestID `json:"requestId"`
	Reason    string    `json:"reason,omitempty"`
}
