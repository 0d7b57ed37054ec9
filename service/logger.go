package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

type Format string

const (
	timeFormat = time.RFC3339Nano

	JSON  Format = "json"
	Plain Format = "plain"
)

// NewLogger initializes a new (logrus) Logger instance.
// Supported log formats are: plain, json
func NewLogger(logLevel, logFormat string) (*logrus.Entry, error) {
	lvl, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return nil, err
	}

	format := Format(strings.ToLower(logFormat))
	if err := checkFormat(format); err != nil {
		return nil, err
	}

	l := newFormattedLogger(lvl, format)

	return logrus.NewEntry(l).WithFields(logrus.Fields{
		"serviceName": ServiceName,
		"version":     FullVersion,
	}), nil
}

// newFormattedLogger returns a formatted Logger object (log format is JSON by default)
func newFormattedLogger(logLevel logrus.Level, logFormat Format) *logrus.Logger {
	l := logrus.New()
	fieldMap := logrus.FieldMap{logrus.FieldKeyMsg: "message"}
	var formatter logrus.Formatter
	switch logFormat {
	case Plain:
		formatter = &logrus.TextFormatter{FieldMap: fieldMap, TimestampFormat: timeFormat, FullTimestamp: true}
	default:
		formatter = &logrus.JSONFormatter{FieldMap: fieldMap, TimestampFormat: timeFormat}
	}
	l.SetFormatter(formatter)
	l.SetLevel(logLevel)

	if logLevel >= logrus.DebugLevel {
		l.Warn(fmt.Sprintf("%s RUNNING IN DEBUG MODE. PRIVATE KEYS MAY APPEAR IN REQUEST LOGS", strings.ToUpper(ServiceName)))
	}
	return l
}

func checkFormat(w Format) error {
	switch w {
	case JSON, Plain:
		return nil
	default:
		return fmt.Errorf("invalid %s log format input '%v'", ServiceName, w)
	}
}
