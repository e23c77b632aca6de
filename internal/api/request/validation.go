package request

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"

	"github.com/go-playground/validator/v10"

	"github.com/edvin/pipejobs/internal/daemon"
)

var validate = validator.New()

var envKeyRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func init() {
	validate.RegisterValidation("envkey", func(fl validator.FieldLevel) bool {
		return envKeyRegex.MatchString(fl.Field().String())
	})
}

func Decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	return nil
}

// DecodeOptional is Decode for endpoints whose body may be empty.
func DecodeOptional(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	return nil
}

// RequireName checks a job name taken from the URL.
func RequireName(s string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("missing required job name")
	}
	if err := daemon.ValidateID(s); err != nil {
		return "", err
	}
	return s, nil
}
