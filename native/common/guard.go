// Package common holds helpers shared by the native settlement modules.
package common

import "errors"

// ErrModulePaused is the sentinel every paused operation fails with.
var ErrModulePaused = errors.New("module paused")

// PauseView reports whether a named operation is switched off. Engine
// configs implement it over their per-operation circuit breakers.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard fails closed when the named operation is paused. A nil view or an
// empty name means no pause wiring, which always passes.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}
