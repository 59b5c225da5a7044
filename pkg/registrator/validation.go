package registrator

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// ValidateDataSetInformation checks the struct constraints of info.
func ValidateDataSetInformation(info DataSetInformation) error {
	err := getValidator().Struct(info)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		switch e.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", e.Field()))
		case "required_without":
			msgs = append(msgs, fmt.Sprintf("%s is required when %s is empty", e.Field(), e.Param()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s characters", e.Field(), e.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed '%s' validation", e.Namespace(), e.Tag()))
		}
	}
	return fmt.Errorf("invalid data set %q: %s", info.Code, strings.Join(msgs, "; "))
}
