package domain

import (
	"strings"
	"time"
)

// Customer is a scored person.
type Customer struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Age           int       `json:"age"`
	Income        float64   `json:"income"`
	ActivityScore int       `json:"activity_score"`
	CreatedAt     time.Time `json:"created_at"`
}

// Profile bounds accepted by the API.
const (
	MinCustomerAge   = 18
	MaxCustomerAge   = 80
	MinNameLength    = 2
	MinActivityScore = 0
	MaxActivityScore = 100
)

// FieldError describes one invalid input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidateProfile checks the age, income and activity bounds shared by
// customer registration and score requests.
func ValidateProfile(age int, income float64, activityScore int) []FieldError {
	var errs []FieldError
	if age < MinCustomerAge || age > MaxCustomerAge {
		errs = append(errs, FieldError{Field: "age", Message: "must be between 18 and 80"})
	}
	if income < 0 {
		errs = append(errs, FieldError{Field: "income", Message: "must be greater than or equal to 0"})
	}
	if activityScore < MinActivityScore || activityScore > MaxActivityScore {
		errs = append(errs, FieldError{Field: "activity_score", Message: "must be between 0 and 100"})
	}
	return errs
}

// Normalize trims the name in place and validates the customer.
func (c *Customer) Normalize() []FieldError {
	c.Name = strings.TrimSpace(c.Name)

	var errs []FieldError
	if len(c.Name) < MinNameLength {
		errs = append(errs, FieldError{Field: "name", Message: "name must be at least 2 characters"})
	}
	return append(errs, ValidateProfile(c.Age, c.Income, c.ActivityScore)...)
}
