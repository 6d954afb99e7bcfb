package health

import (
	"context"
	"errors"
	"fmt"

	"opensase/sase-policy/pkg/policy/manager"
)

// StatusSource reports the rule manager status.
type StatusSource interface {
	Status() manager.Status
}

// ErrNoRuleSet fails readiness until a rule set is installed.
var ErrNoRuleSet = errors.New("no rule set installed")

// RulesCheck passes once the manager has installed a rule set. A node
// serving only default decisions is not ready.
func RulesCheck(src StatusSource) CheckFunc {
	return func(context.Context) error {
		st := src.Status()
		if !st.Ready() {
			if st.LastError != "" {
				return fmt.Errorf("%w: %s", ErrNoRuleSet, st.LastError)
			}
			return ErrNoRuleSet
		}
		return nil
	}
}

// WatchCheck fails when the manager was expected to follow its source and
// is not doing so.
func WatchCheck(src StatusSource) CheckFunc {
	return func(context.Context) error {
		if st := src.Status(); !st.Watching {
			return fmt.Errorf("not watching %s", st.Source)
		}
		return nil
	}
}
