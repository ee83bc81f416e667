package db

import "fmt"

var (
	ErrNotFound          = fmt.Errorf("not found")
	ErrAlreadyExists     = fmt.Errorf("already exists")
	ErrInvalidData       = fmt.Errorf("invalid data provided")
	ErrInsufficientFunds = fmt.Errorf("insufficient credit balance")
)
