package app

import (
	"errors"
	"strings"

	"github.com/dkeye/Proctor/internal/domain"
	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
)

var validate = validator.New()

// Invalid turns a validation or decode failure of what into an
// ErrInvalidRequest that names the failing fields and rules only.
func Invalid(what string, err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := lo.Map(verrs, func(fe validator.FieldError, _ int) string {
			return fe.Field() + " (" + fe.Tag() + ")"
		})
		return domain.Errorf(domain.ErrInvalidRequest, "%s has invalid fields: %s", what, strings.Join(fields, ", "))
	}
	return domain.Errorf(domain.ErrInvalidRequest, "%s is malformed", what)
}
