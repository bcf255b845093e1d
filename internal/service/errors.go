package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/sthanfv/el-buen-corte--sub000/internal/models"
)

var (
	ErrValidation     = errors.New("invalid payload")
	ErrStockExhausted = errors.New("product out of stock")
	ErrTimeout        = errors.New("order operation timed out")
	ErrNotFound       = errors.New("order not found")
)

type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError carries field-level detail; callers decide whether to expose it.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Field, f.Reason))
	}
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(field, reason string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Reason: reason}}}
}

func fromValidator(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ValidationError{Fields: []FieldError{{Field: "body", Reason: err.Error()}}}
	}
	out := &ValidationError{Fields: make([]FieldError, 0, len(verrs))}
	for _, fe := range verrs {
		reason := fe.Tag()
		if fe.Param() != "" {
			reason += "=" + fe.Param()
		}
		out.Fields = append(out.Fields, FieldError{Field: trimRoot(fe.Namespace()), Reason: reason})
	}
	return out
}

// trimRoot drops the struct name validator puts in front of every namespace.
func trimRoot(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

// IsPermanent reports errors that retrying the same operation can never fix.
func IsPermanent(err error) bool {
	var terminal *models.TerminalStateError
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, models.ErrInvalidTransition) ||
		errors.As(err, &terminal)
}
