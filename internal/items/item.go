// Package items holds the item domain: the Item record, request validation,
// and the service that composes storage with event notifications.
package items

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// MaxNameLength mirrors the items.name VARCHAR(120) column.
const MaxNameLength = 120

// EventItemCreated is the event type published after an insert commits.
const EventItemCreated = "item.created"

// ErrStoreUnavailable signals the relational store could not serve the call.
var ErrStoreUnavailable = errors.New("store unavailable")

// Item is a single row of the items table. ID is assigned by the store.
type Item struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// CreatedEvent is the payload published for EventItemCreated.
type CreatedEvent struct {
	Type       string    `json:"type"`
	Item       Item      `json:"item"`
	OccurredAt time.Time `json:"occurred_at"`
}

// FieldError describes why one request field was rejected.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports malformed or missing request fields.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// NewValidationError builds a single-field ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Message: message}}}
}

var validate = newValidator()

// nameInput carries the decoded name through the validator. max mirrors
// MaxNameLength and counts runes.
type nameInput struct {
	Name *string `json:"name" validate:"required,min=1,max=120"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	return v
}

// Validate checks a decoded item name. A nil pointer means the field was absent.
// Whitespace is kept as-is.
func Validate(name *string) error {
	err := validate.Struct(nameInput{Name: name})
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("validate item: %w", err)
	}
	out := &ValidationError{Fields: make([]FieldError, 0, len(fieldErrs))}
	for _, fe := range fieldErrs {
		out.Fields = append(out.Fields, FieldError{Field: fe.Field(), Message: fieldMessage(fe)})
	}
	return out
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "field required"
	case "min":
		return "must not be empty"
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	default:
		return "is invalid"
	}
}

// Store persists items.
type Store interface {
	List(ctx context.Context) ([]Item, error)
	Insert(ctx context.Context, name string) (Item, error)
}

// Publisher delivers event payloads to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock abstracts time for event timestamps.
type Clock interface {
	Now() time.Time
}
