package heartbeat

import (
	"regexp"

	"github.com/go-playground/validator/v10"
)

var (
	serverSlugRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)
	uuid4LowerRe = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
)

// NewValidator builds the request validator with the hub's custom rules:
// server_slug (lowercase DNS-label style IDs) and uuid4_lower (canonical
// lowercase v4 UUIDs only).
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("server_slug", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return len(s) <= 63 && serverSlugRe.MatchString(s)
	})
	_ = v.RegisterValidation("uuid4_lower", func(fl validator.FieldLevel) bool {
		return uuid4LowerRe.MatchString(fl.Field().String())
	})
	return v
}
