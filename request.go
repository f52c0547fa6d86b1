package main

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// verifyRequest and batchRequest validate CLI-parsed arguments before
// they reach the engine.
type verifyRequest struct {
	Address string `validate:"required,email"`
	Method  string `validate:"omitempty,oneof=auto smtp login api bounce"`
}

type batchRequest struct {
	Addresses []string `validate:"required,min=1,dive,email"`
	Method    string   `validate:"omitempty,oneof=auto smtp login api"`
}

// validateStruct flattens validator field errors into one readable
// message.
func validateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	validationErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}

	var messages []string
	for _, fe := range validationErrs {
		field := strings.ToLower(fe.Field())
		tag := fe.Tag()
		param := fe.Param()

		switch tag {
		case "required":
			messages = append(messages, field+" is required")
		case "min":
			messages = append(messages, field+" must have at least "+param+" entries")
		case "email":
			messages = append(messages, field+" must be a valid email")
		case "oneof":
			messages = append(messages, field+" must be one of: "+param)
		case "dive":
			messages = append(messages, field+" contains an invalid entry")
		default:
			messages = append(messages, field+" is invalid")
		}
	}
	return fmt.Errorf("%s", strings.Join(messages, ", "))
}
