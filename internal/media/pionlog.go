package media

import (
	"fmt"

	"github.com/pion/logging"

	"github.com/room-2135/omniroom2-camera/internal/util"
)

var _ logging.LoggerFactory = loggerFactory{}

// loggerFactory routes pion's internal logging through the util logger so
// the engine's output shares the camera's format and level. pion's info
// output is chatty and is demoted to debug.
type loggerFactory struct{}

func (loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return scopedLogger{prefix: "pion/" + scope + ": "}
}

type scopedLogger struct {
	prefix string
}

func (l scopedLogger) Trace(msg string) { util.LogTrace("%s%s", l.prefix, msg) }
func (l scopedLogger) Tracef(format string, args ...interface{}) {
	util.LogTrace("%s%s", l.prefix, fmt.Sprintf(format, args...))
}
func (l scopedLogger) Debug(msg string) { util.LogDebug("%s%s", l.prefix, msg) }
func (l scopedLogger) Debugf(format string, args ...interface{}) {
	util.LogDebug("%s%s", l.prefix, fmt.Sprintf(format, args...))
}
func (l scopedLogger) Info(msg string) { util.LogDebug("%s%s", l.prefix, msg) }
func (l scopedLogger) Infof(format string, args ...interface{}) {
	util.LogDebug("%s%s", l.prefix, fmt.Sprintf(format, args...))
}
func (l scopedLogger) Warn(msg string) { util.LogWarning("%s%s", l.prefix, msg) }
func (l scopedLogger) Warnf(format string, args ...interface{}) {
	util.LogWarning("%s%s", l.prefix, fmt.Sprintf(format, args...))
}
func (l scopedLogger) Error(msg string) { util.LogError("%s%s", l.prefix, msg) }
func (l scopedLogger) Errorf(format string, args ...interface{}) {
	util.LogError("%s%s", l.prefix, fmt.Sprintf(format, args...))
}
