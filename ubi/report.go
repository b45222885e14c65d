package ubi

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Severity grades diagnostic messages.
type Severity int

const (
	// SevDebug is chatter useful only when tracing a scan.
	SevDebug Severity = iota
	// SevInfo is normal progress information.
	SevInfo
	// SevWarning flags recoverable inconsistencies.
	SevWarning
	// SevError flags findings the caller probably cares about.
	SevError
)

// Reporter receives diagnostics from the core. Nothing in this package
// writes to stderr directly; callers that want silence pass nil.
type Reporter func(sev Severity, msg string)

// LogrusReporter adapts a logrus logger as a Reporter.
func LogrusReporter(l *logrus.Logger) Reporter {
	return func(sev Severity, msg string) {
		switch sev {
		case SevDebug:
			l.Debug(msg)
		case SevInfo:
			l.Info(msg)
		case SevWarning:
			l.Warn(msg)
		default:
			l.Error(msg)
		}
	}
}

func report(rep Reporter, sev Severity, format string, args ...interface{}) {
	if rep == nil {
		return
	}
	rep(sev, fmt.Sprintf(format, args...))
}
