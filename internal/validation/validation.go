// Package validation wraps go-playground/validator with the reconciliation-specific tags.
package validation

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"example.com/reconciliation/internal/domain"
)

var (
	once     sync.Once
	instance *validator.Validate
)

// Validator returns the shared validator with the `datekey` tag registered.
func Validator() *validator.Validate {
	once.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		_ = v.RegisterValidation("datekey", func(fl validator.FieldLevel) bool {
			return domain.ValidDate(fl.Field().String())
		})
		instance = v
	})
	return instance
}

// Struct validates s and converts failures into a domain.ValidationError.
func Struct(s any) error {
	err := Validator().Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	fields := FieldErrors(fieldErrs)
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s failed %s", name, fields[name]))
	}
	return &domain.ValidationError{Field: names[0], Message: strings.Join(parts, ", ")}
}

// FieldErrors maps each failing field to the tag that rejected it.
func FieldErrors(errs validator.ValidationErrors) map[string]string {
	out := make(map[string]string, len(errs))
	for _, fe := range errs {
		out[fe.Field()] = fe.Tag()
	}
	return out
}
