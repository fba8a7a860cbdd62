package server

import (
	"errors"
	"strings"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	customerdomain "github.com/smallbiznis/minipass/internal/customer/domain"
)

var registerValidatorsOnce sync.Once

// registerValidators adds the tags request structs rely on to gin's validator.
func registerValidators() {
	registerValidatorsOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		_ = v.RegisterValidation("subdomain", func(fl validator.FieldLevel) bool {
			return customerdomain.ValidSubdomain(customerdomain.NormalizeSubdomain(fl.Field().String()))
		})
	})
}

// bindingError turns validator failures into field-level validation errors.
func bindingError(err error) error {
	var vErrs validator.ValidationErrors
	if !errors.As(err, &vErrs) || len(vErrs) == 0 {
		return invalidRequestError()
	}
	out := &ValidationErrors{}
	for _, fe := range vErrs {
		field := jsonFieldName(fe.Field())
		out.Errors = append(out.Errors, ValidationError{
			Field:   field,
			Code:    fe.Tag(),
			Message: field + " failed " + fe.Tag() + " validation",
		})
	}
	return out
}

func jsonFieldName(name string) string {
	switch name {
	case "OrganizationName":
		return "organization_name"
	case "Frequency":
		return "billing_frequency"
	default:
		return strings.ToLower(name)
	}
}
