package transport

import "context"

// MultiDispatcher satisfies scheduler.Dispatcher (and the Control API's own
// dispatch path) across every agent, not just one: a plain Client is bound
// to a single agent's base URL at construction, but the scheduler fires
// schedules belonging to whichever agent is due on a given tick. Dispatch
// builds a fresh, unauthenticated Client per call addressed to agentName --
// core-to-agent calls carry no bearer credential.
type MultiDispatcher struct{}

// NewMultiDispatcher builds a MultiDispatcher. It holds no state; agent
// addressing is derived from the name passed to Dispatch.
func NewMultiDispatcher() *MultiDispatcher {
	return &MultiDispatcher{}
}

// Dispatch sends message to agentName's /task endpoint.
func (d *MultiDispatcher) Dispatch(ctx context.Context, agentName, message string) (string, error) {
	return New(agentName, "").Dispatch(ctx, agentName, message)
}
