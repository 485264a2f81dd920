// Package obslog provides Amelia's structured logging, built on
// go.uber.org/zap (the logging dependency carried into this repo's stack
// from the jordigilh-kubernaut example; the teacher itself only reaches for
// the standard library's "log" package, which this system's ambient-stack
// policy does not carry forward once a real structured logger is
// available in the pack).
package obslog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production JSON logger, or a human-readable development
// logger when dev is true.
func New(dev bool) (*zap.Logger, error) {
	if dev {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return cfg.Build()
	}
	return zap.NewProduction()
}

// WorkflowFields returns the standard structured fields every log line
// about a workflow should carry.
func WorkflowFields(workflowID, issueID string) []zap.Field {
	return []zap.Field{
		zap.String("workflow_id", workflowID),
		zap.String("issue_id", issueID),
	}
}

// EventFields returns the standard structured fields for a log line about a
// single emitted event.
func EventFields(workflowID, eventType string, sequence int64) []zap.Field {
	return []zap.Field{
		zap.String("workflow_id", workflowID),
		zap.String("event_type", eventType),
		zap.Int64("sequence", sequence),
	}
}
