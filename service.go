package backplane

import "fmt"

// TryService is a long-running bus participant whose loop can fail.
// Controller implements it; daemons composing several controllers can
// implement it themselves.
type TryService interface {
	// TryRunLoop blocks, driving the service until a fatal error.
	TryRunLoop() error
}

// RunOrPanic drives svc and escalates ANY termination into a panic
// naming the service, for daemons whose run loop must never end.
func RunOrPanic(name string, svc TryService) {
	if err := svc.TryRunLoop(); err != nil {
		panic(fmt.Sprintf("%s run loop has failed with %v", name, err))
	}
	panic(fmt.Sprintf("%s has stopped without reporting an error", name))
}
