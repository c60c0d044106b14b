package internal

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// sessionValidator checks the declarative shape rules on the model types.
var sessionValidator = validator.New(validator.WithRequiredStructEnabled())

// ValidateSession checks a session against the schema and the structural
// invariants the model tags cannot express.
func ValidateSession(session *Session) error {
	if session == nil {
		return &ValidationError{Err: fmt.Errorf("session is nil")}
	}
	if err := sessionValidator.Struct(session); err != nil {
		return &ValidationError{SessionID: session.Metadata.ID, Err: err}
	}
	if session.Config.MaxSimulations > 0 && len(session.Simulations) > session.Config.MaxSimulations {
		return &ValidationError{
			SessionID: session.Metadata.ID,
			Err: fmt.Errorf("simulation count %d exceeds configured maximum %d",
				len(session.Simulations), session.Config.MaxSimulations),
		}
	}
	return nil
}
