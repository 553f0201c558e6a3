package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

const maxBodyBytes = 1 << 20

var currencyCodeRegex = regexp.MustCompile(`^[A-Z]{3}$`)

// newValidator returns a validator with the custom tags used by request types.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("currency_code", validateCurrencyCode)
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validateCurrencyCode(fl validator.FieldLevel) bool {
	return currencyCodeRegex.MatchString(fl.Field().String())
}

// errValidation marks request errors that map to 400.
var errValidation = errors.New("invalid request")

// decodeRequest decodes a JSON body into dst and validates struct tags.
// An empty body is allowed when allowEmpty is set.
func (h *Handler) decodeRequest(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: invalid JSON request body", errValidation)
	}

	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, len(verrs))
			for i, fe := range verrs {
				fields[i] = fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag())
			}
			return fmt.Errorf("%w: %s", errValidation, strings.Join(fields, "; "))
		}
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			// Non-struct payloads such as category and tag maps
			return nil
		}
		return fmt.Errorf("%w: %v", errValidation, err)
	}
	return nil
}
