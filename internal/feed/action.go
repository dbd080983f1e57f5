package feed

import "fmt"

// Action is a user decision on a card
type Action string

const (
	ActionLike      Action = "like"
	ActionPass      Action = "pass"
	ActionSuperlike Action = "superlike"
)

// ParseAction validates a wire value
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionLike, ActionPass, ActionSuperlike:
		return a, nil
	default:
		return "", fmt.Errorf("feed: invalid action %q (must be like, pass or superlike)", s)
	}
}

// Remote reports whether the action is sent to the remote service
func (a Action) Remote() bool {
	return a == ActionLike || a == ActionSuperlike
}
