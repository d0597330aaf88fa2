package notification

import "context"

// Event is an alert raised by a state transition.
type Event struct {
	Type      string
	MachineID int64
	Message   string
}

// Emitter accepts alerts for asynchronous delivery. Emit never blocks on delivery.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

// Broadcaster pushes realtime updates to observers.
type Broadcaster interface {
	Broadcast(ctx context.Context, topic string, payload any)
}

// Publisher is the realtime bus the dispatcher forwards broadcasts to.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte) error
}

// Realtime topics.
const (
	TopicMachineStatusChanged = "machineStatusChanged"
	TopicSessionStatusChanged = "sessionStatusChanged"
)
