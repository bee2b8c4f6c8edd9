/*
Package events provides an in-memory pub/sub broker used to surface
transaction and shard lifecycle changes to observers (metrics, CLI status
commands) without coupling them to the coordinator or applier loops.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			fmt.Printf("%s: %s\n", event.Type, event.Message)
		}
	}()

	broker.Publish(&events.Event{
		Type:     events.EventTxnCommitted,
		Message:  "transaction 42 committed",
		Metadata: map[string]string{"txn_id": "42"},
	})

# Delivery semantics

Publish hands the event to a 100-event queue drained by the broadcast loop;
it blocks while that queue is full, until the loop makes room or the broker
is stopped. Delivery to subscribers is best-effort: a subscriber whose
buffer is full skips the event rather than stalling the broadcast loop. This package keeps
no history: there is no event replay, and every subscriber sees only events
published after it subscribed.

# See Also

  - pkg/coordinator publishes EventTxnCommitted/EventTxnAborted/EventShardMigrated
  - pkg/consensus observers would publish EventLeaderChanged (not yet wired)
*/
package events
