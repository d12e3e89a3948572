package app

import (
	"errors"
	"html"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (s *Service) validateInput(input any) error {
	err := s.validate.Struct(input)
	if err == nil {
		return nil
	}
	var invalid validator.ValidationErrors
	if !errors.As(err, &invalid) {
		return validationError(err.Error(), nil)
	}
	fields := make([]map[string]string, 0, len(invalid))
	for _, fieldErr := range invalid {
		fields = append(fields, map[string]string{"field": fieldErr.Field(), "rule": fieldErr.Tag()})
	}
	return validationError("Invalid request", map[string]any{"fields": fields})
}

// clean strips markup from free text such as titles, reasons and comments.
func (s *Service) clean(value string) string {
	return strings.TrimSpace(html.UnescapeString(s.sanitizer.Sanitize(value)))
}
