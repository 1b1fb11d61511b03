package auth

import "github.com/go-playground/validator/v10"

var validate = validator.New()

// Credentials is the register and login request body.
type Credentials struct {
	Username string `json:"username" validate:"required,min=3,max=32,alphanum"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

// ValidateCredentials checks a register/login payload before it touches the
// store.
func ValidateCredentials(creds Credentials) error {
	return validate.Struct(creds)
}
