package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

type FieldError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message,omitempty"`
}

// BindJSON decodes and validates a request body. On failure it writes the
// 400 response itself and returns false, so handlers can bail with a bare
// return. Request structs here use snake_case json tags (the upstream
// integration does), which is also how field names are reported back.

func BindJSON(ctx *gin.Context, out interface{}) bool {
	err := ctx.ShouldBindJSON(out)

	if err == nil {
		return true
	}

	RespondBadRequest(ctx, "Invalid request body", bindErrorDetails(err))

	return false
}

func bindErrorDetails(err error) interface{} {
	var vErrs validator.ValidationErrors

	if errors.As(err, &vErrs) {
		fields := make([]FieldError, 0, len(vErrs))

		for _, fe := range vErrs {
			fields = append(fields, FieldError{
				Field:   snakeCase(fe.Field()),
				Rule:    fe.Tag(),
				Message: ruleMessage(fe.Tag(), fe.Param()),
			})
		}
		return gin.H{"fields": fields}
	}

	var syntaxErr *json.SyntaxError

	if errors.As(err, &syntaxErr) {
		return gin.H{"json": "malformed"}
	}

	var typeErr *json.UnmarshalTypeError

	if errors.As(err, &typeErr) {
		return gin.H{
			"json": "wrong_type",
			"fields": []FieldError{{
				Field:   typeErr.Field,
				Rule:    "type",
				Message: "must be of type " + typeErr.Type.String(),
			}},
		}
	}

	return gin.H{"reason": err.Error()}
}

// snakeCase maps a Go field name (ExternalID, MaxRetries) to the json tag
// convention of the request structs.

func snakeCase(name string) string {
	var b strings.Builder

	for i, r := range name {
		upper := r >= 'A' && r <= 'Z'

		if upper && i > 0 {
			// don't split runs of capitals: ExternalID -> external_id
			prev := rune(name[i-1])
			if prev < 'A' || prev > 'Z' {
				b.WriteByte('_')
			}
		}

		if upper {
			b.WriteRune(r + ('a' - 'A'))
		} else {
			b.WriteRune(r)
		}
	}

	return b.String()
}

func ruleMessage(rule, param string) string {
	switch rule {
	case "required":
		return "is required"
	case "min":
		return "must be at least " + param
	case "max":
		return "must be at most " + param
	case "oneof":
		return "must be one of " + strings.ReplaceAll(param, " ", ", ")
	default:
		if param != "" {
			return fmt.Sprintf("failed %s validation (%s)", rule, param)
		}
		return "failed " + rule + " validation"
	}
}
