package models

import (
	"encoding/json"

	"github.com/google/uuid"
)

// OperationType determines the expected structured-output shape of an
// operation's LLM response.
type OperationType string

const (
	OperationGeneric        OperationType = "generic"
	OperationValidation     OperationType = "validation"
	OperationRating         OperationType = "rating"
	OperationClassification OperationType = "classification"
	OperationExtraction     OperationType = "extraction"
	OperationAnalysis       OperationType = "analysis"
	OperationTrafficLight   OperationType = "traffic_light"
)

// Operation is one prompt + expected-output-shape unit of work within a
// processor. Once copied into a run snapshot it is never mutated.
type Operation struct {
	ID       uuid.UUID       `db:"id"       json:"id"`
	Name     string          `db:"name"     json:"name"`
	Type     OperationType   `db:"type"     json:"type"`
	Prompt   string          `db:"prompt"   json:"prompt"`
	Position int             `db:"position" json:"position"`
	Config   json.RawMessage `db:"config"   json:"config,omitempty"`
}
