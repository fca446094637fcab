package offlinegate

import (
	"context"
	"fmt"
)

// WireTriggers registers the standard handlers on d: install and
// activation commands route to the lifecycle, connectivity-restored
// signals drain the replay queues, and push payloads flow to the
// notifier. Nil components leave their kinds unregistered.
func WireTriggers(d *Dispatcher, lifecycle *Lifecycle, sync *SyncHandler, notifier *Notifier) {
	if d == nil {
		return
	}
	if lifecycle != nil {
		d.Register(TriggerInstall, func(ctx context.Context, _ Trigger) error {
			return lifecycle.Install(ctx)
		})
		d.Register(TriggerActivate, func(ctx context.Context, _ Trigger) error {
			return lifecycle.Activate(ctx)
		})
		d.Register(TriggerForceActivate, func(ctx context.Context, _ Trigger) error {
			return lifecycle.ForceActivate(ctx)
		})
	}
	if sync != nil {
		d.Register(TriggerSync, func(ctx context.Context, t Trigger) error {
			if t.Queue == "" {
				_, err := sync.DrainAll(ctx)
				return err
			}
			op := Operation(t.Queue)
			if !ValidOperation(op) {
				return fmt.Errorf("%w: unknown queue %q", ErrInvalidInput, t.Queue)
			}
			_, err := sync.Drain(ctx, op)
			return err
		})
	}
	if notifier != nil {
		d.Register(TriggerPush, func(ctx context.Context, t Trigger) error {
			_, err := notifier.HandlePush(ctx, t.Payload)
			return err
		})
	}
}
