package utils

import (
	"strings"

	"github.com/google/uuid"
)

func shortID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

func NewBatchID() string {
	return "BATCH_" + shortID()
}

func NewTrialID() string {
	return "NCT" + shortID()
}

func NewPatientID() string {
	return "PT_" + shortID()
}
