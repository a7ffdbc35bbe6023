package gocommand

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	"github.com/goliatone/go-dispatch/core"
)

// ValidateMessageContract enforces Type() plus optional Validate() contract.
func ValidateMessageContract(msg any) error {
	if err := command.ValidateMessage(msg); err != nil {
		return err
	}
	m, ok := msg.(command.Message)
	if !ok {
		return fmt.Errorf("gocommand: message must implement Type() string")
	}
	if strings.TrimSpace(m.Type()) == "" {
		return fmt.Errorf("gocommand: message type is required")
	}
	return nil
}

type RegistryAdapter struct {
	registry *command.Registry
}

func NewRegistryAdapter(registry *command.Registry) *RegistryAdapter {
	if registry == nil {
		registry = command.NewRegistry()
	}
	return &RegistryAdapter{registry: registry}
}

func (a *RegistryAdapter) Registry() *command.Registry {
	if a == nil {
		return nil
	}
	return a.registry
}

func (a *RegistryAdapter) RegisterCommand(cmd any) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.RegisterCommand(cmd)
}

func (a *RegistryAdapter) Initialize() error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.Initialize()
}

func SubscribeCommand[T any](cmd command.Commander[T], runnerOpts ...runner.Option) commanddispatcher.Subscription {
	return commanddispatcher.SubscribeCommand(cmd, runnerOpts...)
}

func Dispatch[T any](ctx context.Context, msg T) error {
	return commanddispatcher.Dispatch(ctx, msg)
}

func RegisterAndSubscribe[T any](
	adapter *RegistryAdapter,
	cmd command.Commander[T],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if adapter == nil || adapter.registry == nil {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}
	if cmd == nil {
		return nil, fmt.Errorf("gocommand: command is required")
	}
	subscription := SubscribeCommand(cmd, runnerOpts...)
	if err := adapter.RegisterCommand(cmd); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}

const RunOutcomeType = "dispatch.run_outcome"

// RunOutcomeMessage reports the terminal state of a downstream run.
type RunOutcomeMessage struct {
	RunRef  string `json:"pipeline_run_ref"`
	Outcome string `json:"outcome"`
}

func (RunOutcomeMessage) Type() string { return RunOutcomeType }

func (m RunOutcomeMessage) Validate() error {
	if strings.TrimSpace(m.RunRef) == "" {
		return core.BadInput("pipeline_run_ref is required")
	}
	outcome, ok := core.ParseRunOutcome(m.Outcome)
	if !ok || outcome == core.RunOutcomePending {
		return core.BadInput(fmt.Sprintf("unsupported outcome %q", m.Outcome))
	}
	return nil
}

type OutcomeListener interface {
	OnRunOutcome(ctx context.Context, runRef string, outcome core.RunOutcome) error
}

// RunOutcomeHandler applies run outcome messages to listener. Reports for
// unknown runs are already logged by the listener and end here.
func RunOutcomeHandler(listener OutcomeListener) command.CommandFunc[RunOutcomeMessage] {
	return func(ctx context.Context, msg RunOutcomeMessage) error {
		outcome, _ := core.ParseRunOutcome(msg.Outcome)
		err := listener.OnRunOutcome(ctx, strings.TrimSpace(msg.RunRef), outcome)
		if core.IsUnknownRunReference(err) {
			return nil
		}
		return err
	}
}

// CompletionBus routes run outcome reports through the command dispatcher.
type CompletionBus struct {
	subscription commanddispatcher.Subscription
}

func NewCompletionBus(adapter *RegistryAdapter, listener OutcomeListener) (*CompletionBus, error) {
	if listener == nil {
		return nil, fmt.Errorf("gocommand: outcome listener is required")
	}
	if adapter == nil {
		adapter = NewRegistryAdapter(nil)
	}
	subscription, err := RegisterAndSubscribe(adapter, command.Commander[RunOutcomeMessage](RunOutcomeHandler(listener)))
	if err != nil {
		return nil, err
	}
	if err := adapter.Initialize(); err != nil {
		subscription.Unsubscribe()
		return nil, err
	}
	return &CompletionBus{subscription: subscription}, nil
}

// Submit validates msg before dispatching it, so malformed reports come back
// as BadInput errors.
func (b *CompletionBus) Submit(ctx context.Context, msg RunOutcomeMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if err := ValidateMessageContract(msg); err != nil {
		return err
	}
	return Dispatch(ctx, msg)
}

func (b *CompletionBus) Close() {
	if b != nil && b.subscription != nil {
		b.subscription.Unsubscribe()
	}
}
