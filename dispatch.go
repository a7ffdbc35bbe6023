// Package dispatch exposes the event dispatch service's public types and the
// embedded schema. Runtime wiring lives in the app package.
package dispatch

import "github.com/goliatone/go-dispatch/core"

type Config = core.Config

type DispatchRule = core.DispatchRule

type WebhookEvent = core.WebhookEvent

type TriggerRecord = core.TriggerRecord

type Lease = core.Lease

type RunOutcome = core.RunOutcome

type EventStatus = core.EventStatus

const (
	RunOutcomeSucceeded = core.RunOutcomeSucceeded
	RunOutcomeFailed    = core.RunOutcomeFailed
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}
