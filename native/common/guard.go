package common

import "errors"

var ErrModulePaused = errors.New("module paused")

// PauseView reports whether an engine has been switched off by an operator.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard returns ErrModulePaused when the module is paused. A nil view never
// pauses anything.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// PauseSet is an in-memory PauseView keyed by module name.
type PauseSet map[string]bool

func (s PauseSet) IsPaused(module string) bool { return s[module] }
