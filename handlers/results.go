package handlers

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"example.com/backstage/services/catalog/utils"
)

var (
	// ErrValidation is matched by every ValidationError
	ErrValidation = errors.New("validation failed")
	// ErrIdempotencyKeyConflict is returned when a key is reused for a different command type
	ErrIdempotencyKeyConflict = errors.New("idempotency key reused for a different command")
)

// ValidationError lists every field of a command that failed validation
type ValidationError struct {
	CommandType string
	Fields      []utils.FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + " " + f.Message
	}
	return fmt.Sprintf("invalid %s command: %s", e.CommandType, strings.Join(parts, "; "))
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Result is either CommandSuccess or CommandAlreadyProcessed
type Result interface {
	result()
}

// CommandSuccess reports a command that produced a new aggregate version
type CommandSuccess struct {
	AggregateID uuid.UUID `json:"aggregate_id"`
	Version     int       `json:"version"`
	Timestamp   time.Time `json:"timestamp"`
}

// CommandAlreadyProcessed reports a command whose idempotency key was already used
type CommandAlreadyProcessed struct {
	AggregateID    uuid.UUID `json:"aggregate_id"`
	IdempotencyKey string    `json:"idempotency_key"`
}

func (CommandSuccess) result()          {}
func (CommandAlreadyProcessed) result() {}
