// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package validation turns struct tag checks into readable field errors.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ValidationError is a single invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

var (
	validate     = newValidator()
	durationType = reflect.TypeOf(time.Duration(0))
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report toml names when present so messages match the config file.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("toml"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// Struct validates v against its `validate` tags. The error, when non-nil,
// is a ValidateErrors.
func Struct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	errs := make(ValidateErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		errs = append(errs, ValidationError{
			Field:   fieldPath(fe.Namespace()),
			Message: describe(fe),
		})
	}
	return errs
}

// fieldPath drops the root struct name: "Config.session.timeout" becomes
// "session.timeout".
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return fmt.Sprintf("must be greater than %s", param(fe))
	case "gte":
		return fmt.Sprintf("must be at least %s", param(fe))
	case "lte":
		return fmt.Sprintf("must be at most %s", param(fe))
	case "ltefield":
		return fmt.Sprintf("must not exceed %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", strings.ReplaceAll(fe.Param(), " ", ", "))
	case "required_if":
		if f := strings.Fields(fe.Param()); len(f) == 2 {
			return fmt.Sprintf("is required when %s is %s", f[0], f[1])
		}
		return "is required"
	case "hexadecimal":
		return "must be hex encoded"
	case "url":
		return "must be a valid URL"
	default:
		return fmt.Sprintf("failed %q check", fe.Tag())
	}
}

// param renders a numeric parameter, formatting durations readably.
func param(fe validator.FieldError) string {
	if t := fe.Type(); t == durationType || (t.Name() == "Duration" && t.ConvertibleTo(durationType)) {
		if n, err := strconv.ParseInt(fe.Param(), 10, 64); err == nil {
			return time.Duration(n).String()
		}
	}
	return fe.Param()
}
