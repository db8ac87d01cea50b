// Package keymap translates raw key input into playback actions. It is
// a pure mapping with no I/O so clients and tests share one table.
package keymap

import "strings"

// Action is what a key press asks the playback engine to do.
type Action int

const (
	ActionNone Action = iota
	ActionToggle
	ActionNext
	ActionPrevious
	ActionStop
	ActionRestart
	ActionRateUp
	ActionRateDown
	ActionHelp
	ActionQuit
)

func (a Action) String() string {
	switch a {
	case ActionToggle:
		return "toggle"
	case ActionNext:
		return "next"
	case ActionPrevious:
		return "previous"
	case ActionStop:
		return "stop"
	case ActionRestart:
		return "restart"
	case ActionRateUp:
		return "rate-up"
	case ActionRateDown:
		return "rate-down"
	case ActionHelp:
		return "help"
	case ActionQuit:
		return "quit"
	}
	return "none"
}

// ANSI escape sequences for the arrow keys as most terminals emit them.
const (
	seqArrowUp    = "\x1b[A"
	seqArrowDown  = "\x1b[B"
	seqArrowRight = "\x1b[C"
	seqArrowLeft  = "\x1b[D"
	seqEscape     = "\x1b"
)

// Resolve maps one key sequence to an action. Unknown keys map to
// ActionNone so the client simply ignores them.
func Resolve(seq string) Action {
	switch seq {
	case " ", "p":
		return ActionToggle
	case seqArrowRight, "n", "l":
		return ActionNext
	case seqArrowLeft, "b", "h":
		return ActionPrevious
	case seqArrowUp, "+", "=":
		return ActionRateUp
	case seqArrowDown, "-":
		return ActionRateDown
	case seqEscape, "s":
		return ActionStop
	case "r":
		return ActionRestart
	case "?":
		return ActionHelp
	case "q":
		return ActionQuit
	}
	return ActionNone
}

// ToggleCommand resolves the space-bar toggle against the current
// status: playing pauses, anything else plays.
func ToggleCommand(status string) string {
	if strings.EqualFold(status, "playing") {
		return "pause"
	}
	return "play"
}

// Help returns the shortcut table printed by the interactive client.
func Help() string {
	return strings.TrimLeft(`
  space, p     play / pause
  right, n     next chunk
  left, b      previous chunk
  up, +        faster
  down, -      slower
  r            restart from the first chunk
  esc, s       stop and discard progress
  ?            this help
  q            quit
`, "\n")
}
