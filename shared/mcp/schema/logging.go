package schema

// LoggingLevel represents the severity of a log message (syslog levels).
type LoggingLevel string

// Logging level constants, most to least severe.
const (
	LoggingLevelEmergency LoggingLevel = "emergency"
	LoggingLevelAlert     LoggingLevel = "alert"
	LoggingLevelCritical  LoggingLevel = "critical"
	LoggingLevelError     LoggingLevel = "error"
	LoggingLevelWarning   LoggingLevel = "warning"
	LoggingLevelNotice    LoggingLevel = "notice"
	LoggingLevelInfo      LoggingLevel = "info"
	LoggingLevelDebug     LoggingLevel = "debug"
)

var loggingLevelSeverity = map[LoggingLevel]int{
	LoggingLevelEmergency: 0,
	LoggingLevelAlert:     1,
	LoggingLevelCritical:  2,
	LoggingLevelError:     3,
	LoggingLevelWarning:   4,
	LoggingLevelNotice:    5,
	LoggingLevelInfo:      6,
	LoggingLevelDebug:     7,
}

// ValidLoggingLevel reports whether the wire string names a known level.
func ValidLoggingLevel(level LoggingLevel) bool {
	_, ok := loggingLevelSeverity[level]
	return ok
}

// Allows reports whether a message at the given level passes a session
// threshold: true when the message is at least as severe as the threshold.
func (threshold LoggingLevel) Allows(level LoggingLevel) bool {
	ts, ok := loggingLevelSeverity[threshold]
	if !ok {
		return true
	}
	ls, ok := loggingLevelSeverity[level]
	if !ok {
		return true
	}
	return ls <= ts
}

// SetLevelRequestParams contains parameters for logging/setLevel.
type SetLevelRequestParams struct {
	Level LoggingLevel `json:"level"`
}

// LoggingMessageNotificationParams contains notifications/message parameters.
type LoggingMessageNotificationParams struct {
	Level  LoggingLevel `json:"level"`
	Logger string       `json:"logger,omitempty"`
	Data   interface{}  `json:"data"`
}
