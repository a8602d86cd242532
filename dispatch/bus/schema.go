package bus

import "fmt"

// Schema describes the expected payload shape of one event type. Required
// fields must be present and non-nil; Validate, when set, runs afterwards for
// type-specific checks.
type Schema struct {
	Required []string
	Validate func(payload map[string]any) error
}

func (s Schema) check(eventType string, payload map[string]any) error {
	for _, field := range s.Required {
		value, present := payload[field]
		if !present || value == nil {
			return fmt.Errorf("%w: event %s missing required field %q", ErrValidationFailed, eventType, field)
		}
	}

	if s.Validate != nil {
		if err := s.Validate(payload); err != nil {
			return fmt.Errorf("%w: event %s: %v", ErrValidationFailed, eventType, err)
		}
	}

	return nil
}
