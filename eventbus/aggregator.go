package eventbus

import "sync"

// GoalCounters tracks one goal's progress. The Aggregator guards every
// GoalCounters with its own mutex, so many executions in the same stream
// can update it concurrently; Snapshot hands out copies.
type GoalCounters struct {
	Started   int64
	Completed int64
	Failed    int64
	Cancelled int64
	Suspended int64
}

// Aggregator rolls per-execution lifecycle events up into per-goal
// progress counters, subscribing to a Bus and updating counters as
// events arrive. Because the bus is lossy, counters may understate true
// progress if events were dropped under subscriber backpressure — this
// is documented, accepted behavior, not a bug to fix here.
type Aggregator struct {
	mu       sync.Mutex
	counters map[string]*GoalCounters
}

// NewAggregator returns an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{counters: make(map[string]*GoalCounters)}
}

// Run subscribes to bus and updates counters until ctx-independent stop
// is called via the returned function, or the bus subscription is torn
// down some other way. goalOf extracts the goal label from an event's
// Meta (callers that don't use goal labels may pass a function that
// always returns ""). Each terminal event additionally publishes a
// goal.progress event carrying the goal's updated counters; because the
// bus is lossy those progress events may themselves be dropped, which
// understates progress for slow subscribers only.
func (a *Aggregator) Run(bus *Bus, goalOf func(Event) string) (stop func()) {
	sub, unsubscribe := bus.Subscribe()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case e, ok := <-sub.Events():
				if !ok {
					return
				}
				if e.Kind == KindGoal {
					continue
				}
				goal := goalOf(e)
				a.observe(goal, e.Kind)
				if isTerminalKind(e.Kind) {
					c := a.Snapshot(goal)
					bus.Publish(Event{
						Kind:        KindGoal,
						StreamID:    e.StreamID,
						ExecutionID: e.ExecutionID,
						Timestamp:   e.Timestamp,
						Meta: map[string]any{
							"goal":      goal,
							"started":   c.Started,
							"completed": c.Completed,
							"failed":    c.Failed,
							"cancelled": c.Cancelled,
						},
					})
				}
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		unsubscribe()
	}
}

func isTerminalKind(kind string) bool {
	switch kind {
	case KindCompleted, KindFailed, KindCancelled:
		return true
	default:
		return false
	}
}

func (a *Aggregator) observe(goal, kind string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.counters[goal]
	if !ok {
		c = &GoalCounters{}
		a.counters[goal] = c
	}

	switch kind {
	case "execution.started":
		c.Started++
	case "execution.completed":
		c.Completed++
	case "execution.failed":
		c.Failed++
	case "execution.cancelled":
		c.Cancelled++
	case "execution.paused":
		c.Suspended++
	}
}

// Snapshot returns a copy of the counters recorded for goal. The zero
// value is returned for a goal that has never been observed.
func (a *Aggregator) Snapshot(goal string) GoalCounters {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.counters[goal]
	if !ok {
		return GoalCounters{}
	}
	return *c
}
