// Package audit provides PDR (Process Decision Record) writing for linecook.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/fentz26/linecook/internal/models"
	"go.uber.org/zap"
)

// Sink persists decision records.
type Sink interface {
	WritePDR(action, inputsHash, outcome, taskID, details string) (*models.PDREntry, error)
}

// PDRWriter writes Process Decision Records for audit trails. Write failures
// are logged and never propagated to the action being recorded.
type PDRWriter struct {
	sink   Sink
	logger *zap.Logger
}

// NewPDRWriter creates a new PDR writer.
func NewPDRWriter(s Sink, logger *zap.Logger) *PDRWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PDRWriter{sink: s, logger: logger}
}

// Record writes a PDR entry for a state-mutating action.
func (w *PDRWriter) Record(action string, inputs interface{}, outcome, taskID, details string) *models.PDREntry {
	inputsHash := hashInputs(inputs)
	entry, err := w.sink.WritePDR(action, inputsHash, outcome, taskID, details)
	if err != nil {
		w.logger.Warn("pdr write failed",
			zap.String("action", action),
			zap.String("task_id", taskID),
			zap.Error(err),
		)
		return nil
	}
	return entry
}

// hashInputs creates a SHA256 hash of the inputs for reproducibility.
func hashInputs(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
