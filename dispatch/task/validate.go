// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package task

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("task_type", func(fl validator.FieldLevel) bool {
		return IsValidType(fl.Field().String())
	})
	return v
}

// Validate checks a task before it is dispatched.
func (t *Task) Validate() error {
	if t == nil {
		return &ValidationError{Message: "task is required"}
	}
	if s, ok := t.Input.(string); ok && strings.TrimSpace(s) == "" {
		return &ValidationError{Field: "input", Message: "input must not be empty"}
	}
	if err := validate.Struct(t); err != nil {
		return toValidationError(err)
	}
	for _, fb := range t.Config.FallbackProviders {
		if fb == t.Config.PreferredProvider && fb != "" {
			return &ValidationError{
				Field:   "config.fallbackProviders",
				Message: fmt.Sprintf("fallback %q repeats the preferred provider", fb),
			}
		}
	}
	return nil
}

func toValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ValidationError{Message: err.Error()}
	}
	fe := verrs[0]
	return &ValidationError{
		Field:   fieldPath(fe.Namespace()),
		Message: describe(fe),
	}
}

// fieldPath turns "Task.Config.MaxRetries" into "config.maxRetries".
func fieldPath(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToLower(p[:1]) + p[1:]
	}
	return strings.Join(parts, ".")
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "task_type":
		names := make([]string, len(ValidTypes))
		for i, t := range ValidTypes {
			names[i] = string(t)
		}
		return fmt.Sprintf("unsupported task type %q (valid: %s)", fe.Value(), strings.Join(names, ", "))
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "lte", "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "unique":
		return "must not contain duplicates"
	}
	return fmt.Sprintf("failed %s validation", fe.Tag())
}
