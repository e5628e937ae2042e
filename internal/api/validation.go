package api

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/gatecount/gatecount/internal/camera"
)

// ValidationError represents a validation error with field information
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors holds multiple validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are validation errors
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// SettingsValidator validates camera settings payloads
type SettingsValidator struct {
	errors ValidationErrors
}

// NewSettingsValidator creates a new settings validator
func NewSettingsValidator() *SettingsValidator {
	return &SettingsValidator{
		errors: make(ValidationErrors, 0),
	}
}

// Validate checks a settings payload. Zero values for port, channel and
// direction fall back to service defaults, so only set fields are checked.
func (v *SettingsValidator) Validate(req settingsRequest) ValidationErrors {
	v.errors = make(ValidationErrors, 0)

	v.validateAddress(req.Address)
	v.validateSourceKind(req.SourceKind)
	v.validatePort(req.Port)
	v.validateChannel(req.Channel)
	v.validateLineX(req.LineX)
	v.validateDirection(req.DirectionIn)

	return v.errors
}

func (v *SettingsValidator) validateAddress(address string) {
	if address == "" {
		v.errors = append(v.errors, ValidationError{
			Field:   "address",
			Message: "camera address is required",
		})
		return
	}

	if len(address) > 253 {
		v.errors = append(v.errors, ValidationError{
			Field:   "address",
			Message: "camera address must be less than 254 characters",
		})
	}
}

func (v *SettingsValidator) validateSourceKind(kind string) {
	if kind == "" {
		return // defaults to rtsp
	}
	if !camera.SourceKind(kind).Valid() {
		v.errors = append(v.errors, ValidationError{
			Field:   "source_kind",
			Message: fmt.Sprintf("unknown source kind '%s'. Supported: device, rtsp, proxied_path", kind),
		})
	}
}

func (v *SettingsValidator) validatePort(port int) {
	if port == 0 {
		return // defaults to 554
	}
	if port < 1 || port > 65535 {
		v.errors = append(v.errors, ValidationError{
			Field:   "port",
			Message: "port must be between 1 and 65535",
		})
	}
}

func (v *SettingsValidator) validateChannel(channel int) {
	if channel < 0 || channel > 64 {
		v.errors = append(v.errors, ValidationError{
			Field:   "channel",
			Message: "channel must be between 0 and 64",
		})
	}
}

func (v *SettingsValidator) validateLineX(lineX *int) {
	if lineX != nil && *lineX <= 0 {
		v.errors = append(v.errors, ValidationError{
			Field:   "line_x",
			Message: "line position must be positive",
		})
	}
}

func (v *SettingsValidator) validateDirection(direction string) {
	if direction == "" || direction == "L->R" || direction == "R->L" {
		return
	}
	v.errors = append(v.errors, ValidationError{
		Field:   "direction_in",
		Message: "direction must be 'L->R' or 'R->L'",
	})
}

// SanitizeSourceURL removes credentials from a URL for logging
func SanitizeSourceURL(sourceURL string) string {
	u, err := url.Parse(sourceURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "[invalid-url]"
	}

	// Remove user info
	u.User = nil

	return u.String()
}
