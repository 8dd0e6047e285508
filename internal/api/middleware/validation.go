package middleware

import (
	"net/http"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"

	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/common"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("notblank", validators.NotBlank); err != nil {
		panic(err)
	}
	// report fields by their wire names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		for _, tag := range []string{"json", "form"} {
			name, _, _ := strings.Cut(f.Tag.Get(tag), ",")
			if name != "" && name != "-" {
				return name
			}
		}
		return f.Name
	})
	return v
}

// Bind decodes the JSON body into dest and validates it. On failure it
// records a 400 on the context and returns false.
func Bind[T any](c *gin.Context, dest *T) bool {
	if err := c.ShouldBindJSON(dest); err != nil {
		c.Error(common.Errf(http.StatusBadRequest, "invalid json: %v", err.Error()))
		return false
	}
	return check(c, dest)
}

// BindQuery is Bind for the URL query string.
func BindQuery[T any](c *gin.Context, dest *T) bool {
	if err := c.ShouldBindQuery(dest); err != nil {
		c.Error(common.Errf(http.StatusBadRequest, "invalid query: %v", err.Error()))
		return false
	}
	return check(c, dest)
}

func check(c *gin.Context, dest any) bool {
	if err := validate.Struct(dest); err != nil {
		c.Error(common.APIError{
			Status:  http.StatusBadRequest,
			Message: "validation failed",
			Fields:  FormatValidationErrors(err),
		})
		return false
	}
	return true
}

func FormatValidationErrors(err error) map[string]any {
	errs := map[string]any{}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		errs["_"] = err.Error()
		return errs
	}
	for _, e := range verrs {
		if e.Param() != "" {
			errs[e.Field()] = "failed " + e.Tag() + "=" + e.Param()
			continue
		}
		errs[e.Field()] = "failed " + e.Tag()
	}
	return errs
}
