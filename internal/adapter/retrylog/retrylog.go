// Package retrylog routes go-retryablehttp client logs to logrus.
package retrylog

import (
	"fmt"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// Logger implements retryablehttp.LeveledLogger. Info is demoted to debug,
// since the client logs every request at that level.
type Logger struct {
	log logrus.FieldLogger
}

var _ retryablehttp.LeveledLogger = Logger{}

// New wraps log.
func New(log logrus.FieldLogger) Logger {
	return Logger{log: log}
}

func (l Logger) with(kv []interface{}) logrus.FieldLogger {
	f := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		f[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return l.log.WithFields(f)
}

func (l Logger) Error(msg string, kv ...interface{}) { l.with(kv).Error(msg) }
func (l Logger) Info(msg string, kv ...interface{})  { l.with(kv).Debug(msg) }
func (l Logger) Debug(msg string, kv ...interface{}) { l.with(kv).Debug(msg) }
func (l Logger) Warn(msg string, kv ...interface{})  { l.with(kv).Warn(msg) }
