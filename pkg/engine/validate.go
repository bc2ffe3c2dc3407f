package engine

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	credentialRefPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:/@-]{0,254}$`)
	platformIDPattern    = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,63}$`)
)

// NewValidator returns a validator with the onboarding request rules registered.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	_ = v.RegisterValidation("credential_ref", func(fl validator.FieldLevel) bool {
		return credentialRefPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("platform_id", func(fl validator.FieldLevel) bool {
		return platformIDPattern.MatchString(fl.Field().String())
	})

	// Report JSON field names in errors.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	return v
}

// NormalizeRequest trims input and fills defaults.
func NormalizeRequest(req Request) Request {
	req.Address = strings.TrimSpace(req.Address)
	req.CredentialRef = strings.TrimSpace(req.CredentialRef)
	req.Platform = strings.ToLower(strings.TrimSpace(req.Platform))
	req.Protocol = strings.ToLower(strings.TrimSpace(req.Protocol))
	if req.Port == 0 {
		req.Port = DefaultPort
	}
	return req
}

// ValidateRequest checks request shape and returns a ValidationError listing bad fields.
func ValidateRequest(v *validator.Validate, req Request) error {
	err := v.Struct(req)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return NewValidationError("invalid request", err)
	}

	fields := make(map[string]interface{}, len(verrs))
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
		parts = append(parts, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
	}

	return NewValidationError("invalid request: "+strings.Join(parts, ", "), nil).
		WithDetail("fields", fields)
}
