package utils

import (
	"errors"

	"github.com/go-playground/validator/v10"

	"example.com/payhub/services/ledger/domain"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// ValidateStruct validates a struct using validation tags. The first
// violation is returned as a typed validation error so callers can reject
// it synchronously without retrying.
func ValidateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return domain.ValidationError{
			Field: fe.Field(),
			Msg:   "failed on rule " + fe.Tag(),
		}
	}
	return domain.ValidationError{Msg: err.Error()}
}

// ValidateAggregateID validates an aggregate id
func ValidateAggregateID(id string) error {
	if id == "" {
		return domain.ValidationError{Field: "aggregate_id", Msg: "must not be empty"}
	}
	return nil
}
