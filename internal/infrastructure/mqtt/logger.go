package mqtt

import (
	"fmt"
	"strings"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// pahoLogger adapts a structured log function to paho's Println/Printf logger.
type pahoLogger struct {
	log   func(msg string, args ...any)
	level string
}

func (l pahoLogger) Println(v ...interface{}) {
	l.log(strings.TrimSpace(fmt.Sprintln(v...)), "source", "paho", "paho_level", l.level)
}

func (l pahoLogger) Printf(format string, v ...interface{}) {
	l.log(strings.TrimSpace(fmt.Sprintf(format, v...)), "source", "paho", "paho_level", l.level)
}

// SetPahoLogger routes paho's package-level ERROR, CRITICAL and WARN loggers
// to logger. paho's DEBUG logger stays silent. A nil logger restores paho's
// no-op loggers.
//
// paho's loggers are global, so this affects every client in the process.
func SetPahoLogger(logger Logger) {
	if logger == nil {
		pahomqtt.ERROR = pahomqtt.NOOPLogger{}
		pahomqtt.CRITICAL = pahomqtt.NOOPLogger{}
		pahomqtt.WARN = pahomqtt.NOOPLogger{}
		return
	}
	pahomqtt.ERROR = pahoLogger{log: logger.Error, level: "error"}
	pahomqtt.CRITICAL = pahoLogger{log: logger.Error, level: "critical"}
	pahomqtt.WARN = pahoLogger{log: logger.Warn, level: "warn"}
}
