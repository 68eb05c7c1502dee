// Package logging builds the service logger and the field helpers used across packages.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log fields.
const (
	FieldBatch      = "batch"
	FieldOnchainID  = "onchainID"
	FieldStage      = "stage"
	FieldIndex      = "index"
	FieldSignature  = "signature"
	FieldOperation  = "operation"
	FieldActor      = "actor"
	FieldHolder     = "holder"
	FieldSlot       = "slot"
	FieldAttempt    = "attempt"
	FieldProjection = "projection"
	FieldTotal      = "total"
)

// New returns a logger for the given level ("debug", "info", "warn", "error") and
// format ("json" or "console").
func New(level, format string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if level == "" {
		level = "info"
	}
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	var cfg zap.Config
	switch format {
	case "", "json":
		cfg = zap.NewProductionConfig()
	case "console":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("log format %q must be json or console", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// WithBatch sets the batch field.
func WithBatch(value fmt.Stringer) zap.Field {
	return zap.Stringer(FieldBatch, value)
}

// WithOnchainID sets the onchainID field.
func WithOnchainID(value string) zap.Field {
	return zap.String(FieldOnchainID, value)
}

// WithStage sets the stage field.
func WithStage(value fmt.Stringer) zap.Field {
	return zap.Stringer(FieldStage, value)
}

// WithIndex sets the stage index field.
func WithIndex(value uint16) zap.Field {
	return zap.Uint16(FieldIndex, value)
}

// WithSignature sets the signature field.
func WithSignature(value string) zap.Field {
	return zap.String(FieldSignature, value)
}

// WithOperation sets the operation field.
func WithOperation(value string) zap.Field {
	return zap.String(FieldOperation, value)
}

// WithActor sets the actor field.
func WithActor(value fmt.Stringer) zap.Field {
	return zap.Stringer(FieldActor, value)
}

// WithHolder sets the holder field.
func WithHolder(value fmt.Stringer) zap.Field {
	return zap.Stringer(FieldHolder, value)
}

// WithSlot sets the slot field.
func WithSlot(value uint64) zap.Field {
	return zap.Uint64(FieldSlot, value)
}

// WithAttempt sets the attempt field.
func WithAttempt(value int) zap.Field {
	return zap.Int(FieldAttempt, value)
}

// WithProjection sets the projection field.
func WithProjection(value string) zap.Field {
	return zap.String(FieldProjection, value)
}

// WithTotal sets the total field.
func WithTotal(value int) zap.Field {
	return zap.Int(FieldTotal, value)
}
