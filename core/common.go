package core

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Action names a rule slot of a collection, or the kind of mutation that
// is broadcast to realtime subscribers.
type Action string

// all rule actions
const (
	ActionList         Action = "list"
	ActionView         Action = "view"
	ActionCreate       Action = "create"
	ActionUpdate       Action = "update"
	ActionDelete       Action = "delete"
	ActionAuthenticate Action = "authenticate"
	ActionManage       Action = "manage"
)

// Actions lists every valid action in configuration order
var Actions = []Action{
	ActionList,
	ActionView,
	ActionCreate,
	ActionUpdate,
	ActionDelete,
	ActionAuthenticate,
	ActionManage,
}

// IsMutation returns true for the actions that are broadcast after a write
func (a Action) IsMutation() bool {
	return a == ActionCreate || a == ActionUpdate || a == ActionDelete
}

// IsValid returns true if a is one of Actions
func (a Action) IsValid() bool {
	for _, valid := range Actions {
		if a == valid {
			return true
		}
	}
	return false
}

// UnmarshalJSON is a custom JSON unmarshaller
func (a *Action) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return a.UnmarshalText([]byte(s))
}

// UnmarshalText makes Action usable as a JSON map key
func (a *Action) UnmarshalText(text []byte) error {
	s := strings.ToLower(string(text))
	for _, valid := range Actions {
		if s == string(valid) {
			*a = valid
			return nil
		}
	}
	return fmt.Errorf("%s is not a valid action", string(text))
}
