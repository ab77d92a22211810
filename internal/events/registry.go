package events

import "fmt"

var allowedEvents = map[string]struct{}{
	// program
	"program.registered": {},
	"program.invalid":    {},
	"program.started":    {},
	"program.finished":   {},

	// node
	"node.entered": {},
	"node.exited":  {},

	// runtime
	"runtime.suspended": {},
	"runtime.resumed":   {},
	"runtime.failed":    {},

	// call stack
	"frame.pushed": {},
	"frame.popped": {},

	// input and conditions
	"choice.selected": {},
	"choice.rejected": {},
	"condition.error": {},

	// generation
	"generation.requested": {},
	"generation.completed": {},
	"generation.failed":    {},

	// scene
	"scene.handoff": {},

	// session
	"session.saved":    {},
	"session.conflict": {},

	// connectivity
	"mqtt.connected":    {},
	"mqtt.disconnected": {},

	// system
	"system.startup":  {},
	"system.shutdown": {},
	"system.error":    {},
}

// Validate rejects event names outside the allowlist.
func Validate(event string) error {
	if _, ok := allowedEvents[event]; !ok {
		return fmt.Errorf("unknown event: %s", event)
	}
	return nil
}
