package handler

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/sifan077/RoomGate/internal/app/model"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("resource_ref", func(fl validator.FieldLevel) bool {
		return model.ValidResourceRef(fl.Field().String())
	})
	_ = v.RegisterValidation("link_mode", func(fl validator.FieldLevel) bool {
		return model.Mode(fl.Field().String()).Valid()
	})
	return v
}

// validationMessage describes the first failed rule in client terms.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request body"
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "resource_ref":
		return fmt.Sprintf("%s must be 1-%d characters of letters, digits, '_' or '-'", fe.Field(), model.MaxResourceRefLength)
	case "link_mode":
		modes := make([]string, len(model.Modes))
		for i, m := range model.Modes {
			modes[i] = string(m)
		}
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), strings.Join(modes, ", "))
	case "max":
		return fmt.Sprintf("%s is too long", fe.Field())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}
