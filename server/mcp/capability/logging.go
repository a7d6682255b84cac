package capability

import (
	"encoding/json"

	"github.com/mcplane/mcplane/shared"
	"github.com/mcplane/mcplane/shared/mcp/schema"
	"go.uber.org/zap"
)

var _ shared.IServerCapability = (*LoggingCapability)(nil)

// LoggingCapability handles logging/setLevel: the session's severity
// threshold filters subsequent notifications/message events.
type LoggingCapability struct {
	logger   *zap.Logger
	handlers map[string]func(*shared.Message) (interface{}, error)
}

func NewLoggingCapability(logger *zap.Logger) *LoggingCapability {
	lc := &LoggingCapability{
		logger: logger.Named("logging-capability"),
	}
	lc.handlers = map[string]func(*shared.Message) (interface{}, error){
		"logging/setLevel": lc.handleSetLevel,
	}
	return lc
}

func (lc *LoggingCapability) GetHandlers() map[string]func(*shared.Message) (interface{}, error) {
	return lc.handlers
}

func (lc *LoggingCapability) SetCapabilities(s *schema.ServerCapabilities) {
	s.Logging = &schema.Capability{}
}

func (lc *LoggingCapability) handleSetLevel(msg *shared.Message) (interface{}, error) {
	var params schema.SetLevelRequestParams
	if msg.Params == nil {
		return nil, shared.NewInvalidParamsError("Missing params")
	}
	if err := json.Unmarshal(*msg.Params, &params); err != nil {
		return nil, shared.NewInvalidParamsError("Invalid parameters: %v", err)
	}
	if !schema.ValidLoggingLevel(params.Level) {
		return nil, shared.NewInvalidParamsError("Unknown logging level: %s", params.Level)
	}
	msg.Session.SetLogLevel(params.Level)
	lc.logger.Debug("Session log level updated",
		zap.String("sessionID", msg.Session.SessionID()),
		zap.String("level", string(params.Level)))
	return map[string]interface{}{}, nil
}
