// Package control implements the operator command session: a tagged-variant
// JSON command decoder, bumper/cliff-aware safety arbitration, and
// idempotence handling in front of the OI driver (spec §4.F).
package control

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// ErrOperatorInvalid is returned for a malformed or unrecognised command.
// It rejects a single command; the channel stays open (spec §7).
var ErrOperatorInvalid = errors.New("control: invalid operator command")

// Action identifies the kind of operator command.
type Action string

// Recognised actions, spec §4.F.
const (
	ActionPing         Action = "ping"
	ActionInit         Action = "init"
	ActionMode         Action = "mode"
	ActionDrive        Action = "drive"
	ActionStop         Action = "stop"
	ActionClean        Action = "clean"
	ActionDock         Action = "dock"
	ActionResetHistory Action = "reset_history"
)

// Command is the decoded tagged-variant operator message.
type Command struct {
	Action   Action
	Mode     string  // for ActionMode: "safe" | "full"
	Velocity float64 // for ActionDrive
	Radius   float64 // for ActionDrive
}

type wireCommand struct {
	Action   string   `json:"action"`
	Value    string   `json:"value"`
	Velocity *float64 `json:"velocity"`
	Radius   *float64 `json:"radius"`
}

// DecodeCommand parses one JSON operator message into a Command, or
// ErrOperatorInvalid if the action is unrecognised or required fields are
// missing.
func DecodeCommand(raw []byte) (Command, error) {
	var w wireCommand
	if err := json.Unmarshal(raw, &w); err != nil {
		return Command{}, errors.Wrap(ErrOperatorInvalid, err.Error())
	}

	switch Action(w.Action) {
	case ActionPing:
		return Command{Action: ActionPing}, nil
	case ActionInit:
		return Command{Action: ActionInit}, nil
	case ActionStop:
		return Command{Action: ActionStop}, nil
	case ActionClean:
		return Command{Action: ActionClean}, nil
	case ActionDock:
		return Command{Action: ActionDock}, nil
	case ActionResetHistory:
		return Command{Action: ActionResetHistory}, nil
	case ActionMode:
		if w.Value != "safe" && w.Value != "full" {
			return Command{}, errors.Wrapf(ErrOperatorInvalid, "mode: unrecognised value %q", w.Value)
		}
		return Command{Action: ActionMode, Mode: w.Value}, nil
	case ActionDrive:
		if w.Velocity == nil || w.Radius == nil {
			return Command{}, errors.Wrap(ErrOperatorInvalid, "drive: velocity and radius are required")
		}
		return Command{Action: ActionDrive, Velocity: *w.Velocity, Radius: *w.Radius}, nil
	default:
		return Command{}, errors.Wrapf(ErrOperatorInvalid, "unrecognised action %q", w.Action)
	}
}
