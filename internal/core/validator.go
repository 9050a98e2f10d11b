package core

import (
	"github.com/go-playground/validator/v10"

	"monsaas/internal/types"
)

// Validator wraps go-playground/validator with the domain-specific
// "tool" rule registered.
type Validator struct {
	v *validator.Validate
}

// NewValidator creates a Validator with custom tags registered.
func NewValidator() *Validator {
	v := validator.New()
	// Registration only fails for an empty tag name.
	_ = v.RegisterValidation("tool", validateTool)
	return &Validator{v: v}
}

// validateTool accepts only registered tool identifiers, rejecting
// unknown values before they reach the catalog.
func validateTool(fl validator.FieldLevel) bool {
	value := types.ToolType(fl.Field().String())
	for _, tool := range types.AllTools {
		if tool == value {
			return true
		}
	}
	return false
}

// ValidateStruct validates a request struct, translating failures into
// an AppError with per-field details safe to return to clients.
func (val *Validator) ValidateStruct(s any) error {
	err := val.v.Struct(s)
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return types.NewAppError(types.ErrCodeValidationMissingField,
			"request validation failed", err)
	}

	code := types.ErrCodeValidationMissingField
	details := make(map[string]any, len(verrs))
	for _, fe := range verrs {
		details[fe.Field()] = fe.Tag()
		if fe.Tag() == "tool" {
			code = types.ErrCodeValidationInvalidTool
		}
	}
	return types.NewAppErrorWithDetails(code, "request validation failed", err, details)
}
