package api

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"time"
)

func init() {
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register(map[string]string{})
	gob.Register([]string{})
	gob.Register(time.Time{})
}

// ErrUnknownMessageKind is returned when decoding an envelope whose type is
// not one of the MessageKind values.
var ErrUnknownMessageKind = errors.New("unknown message kind")

// MessageKind tags the payload carried by a Message.
type MessageKind string

const (
	KindWorkerTask          MessageKind = "WorkerTask"
	KindWorkerTrigger       MessageKind = "WorkerTrigger"
	KindWorkerTaskResult    MessageKind = "WorkerTaskResult"
	KindWorkerTriggerResult MessageKind = "WorkerTriggerResult"
	KindExecutionCommand    MessageKind = "ExecutionCommand"
	KindExecutionKilled     MessageKind = "ExecutionKilled"
	KindHeartbeat           MessageKind = "Heartbeat"
)

// Well-known topics.
const (
	TopicWorkerJobs      = "worker-jobs"
	TopicExecutor        = "executor"
	TopicExecutionKilled = "execution-killed"
	TopicHeartbeats      = "worker-heartbeats"
)

// Message is the wire envelope shared by every queue backend.
type Message struct {
	Type        MessageKind
	Key         string
	Value       []byte
	PublishedAt time.Time
}

// Payload is implemented by the closed set of message bodies.
type Payload interface {
	Kind() MessageKind
	isPayload()
}

// WorkerTask asks a worker to run one attempt of a leaf task run.
type WorkerTask struct {
	JobID        string
	ExecutionID  string
	Tenant       string
	Namespace    string
	FlowID       string
	FlowRevision int
	TaskRunID    string
	Attempt      int
	Task         TaskDef
	Variables    map[string]any
	NotBefore    time.Time
}

// WorkerTrigger asks a worker to evaluate a polling trigger.
type WorkerTrigger struct {
	JobID        string
	Tenant       string
	Namespace    string
	FlowID       string
	FlowRevision int
	Trigger      TriggerDef
	Variables    map[string]any
	ScheduledAt  time.Time
}

// WorkerTaskResult reports a state change of a task run attempt.
type WorkerTaskResult struct {
	JobID       string
	ExecutionID string
	TaskRunID   string
	Attempt     int
	State       StateType
	Outputs     map[string]any
	Error       string
	WorkerID    string
	At          time.Time
}

// WorkerTriggerResult reports the outcome of a trigger evaluation.
type WorkerTriggerResult struct {
	JobID     string
	Tenant    string
	Namespace string
	FlowID    string
	TriggerID string
	Fired     bool
	Variables map[string]any
	Inputs    map[string]any
	Error     string
	At        time.Time
}

// CommandType selects what an ExecutionCommand asks the executor to do.
type CommandType string

const (
	CommandStart   CommandType = "start"
	CommandKill    CommandType = "kill"
	CommandRestart CommandType = "restart"
)

// ExecutionCommand is an external request against one execution.
type ExecutionCommand struct {
	Type          CommandType
	ExecutionID   string
	FromTaskRunID string
	FlowRevision  int
	Cause         string
	At            time.Time
}

// ExecutionKilled is broadcast to every worker when an execution is killed.
type ExecutionKilled struct {
	ExecutionID string
	EmittedAt   time.Time
}

// WorkerStatus is the lifecycle status reported by heartbeats.
type WorkerStatus string

const (
	WorkerRunning    WorkerStatus = "RUNNING"
	WorkerTerminated WorkerStatus = "TERMINATED"
	WorkerDead       WorkerStatus = "DEAD"
)

// Heartbeat is emitted periodically by every worker instance.
type Heartbeat struct {
	WorkerID   string
	Hostname   string
	Partitions []int
	Seq        int64
	Status     WorkerStatus
	StartedAt  time.Time
	Timestamp  time.Time
}

func (WorkerTask) Kind() MessageKind          { return KindWorkerTask }
func (WorkerTrigger) Kind() MessageKind       { return KindWorkerTrigger }
func (WorkerTaskResult) Kind() MessageKind    { return KindWorkerTaskResult }
func (WorkerTriggerResult) Kind() MessageKind { return KindWorkerTriggerResult }
func (ExecutionCommand) Kind() MessageKind    { return KindExecutionCommand }
func (ExecutionKilled) Kind() MessageKind     { return KindExecutionKilled }
func (Heartbeat) Kind() MessageKind           { return KindHeartbeat }

func (WorkerTask) isPayload()          {}
func (WorkerTrigger) isPayload()       {}
func (WorkerTaskResult) isPayload()    {}
func (WorkerTriggerResult) isPayload() {}
func (ExecutionCommand) isPayload()    {}
func (ExecutionKilled) isPayload()     {}
func (Heartbeat) isPayload()           {}

// Encode wraps p into an envelope keyed by key.
func Encode(key string, p Payload, at time.Time) (Message, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		return Message{}, fmt.Errorf("encode %s: %w", p.Kind(), err)
	}
	return Message{
		Type:        p.Kind(),
		Key:         key,
		Value:       buf.Bytes(),
		PublishedAt: at,
	}, nil
}

// Decode returns the payload carried by m.
func Decode(m Message) (Payload, error) {
	switch m.Type {
	case KindWorkerTask:
		return decodeAs[WorkerTask](m)
	case KindWorkerTrigger:
		return decodeAs[WorkerTrigger](m)
	case KindWorkerTaskResult:
		return decodeAs[WorkerTaskResult](m)
	case KindWorkerTriggerResult:
		return decodeAs[WorkerTriggerResult](m)
	case KindExecutionCommand:
		return decodeAs[ExecutionCommand](m)
	case KindExecutionKilled:
		return decodeAs[ExecutionKilled](m)
	case KindHeartbeat:
		return decodeAs[Heartbeat](m)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageKind, m.Type)
	}
}

func decodeAs[T Payload](m Message) (Payload, error) {
	var v T
	if err := gob.NewDecoder(bytes.NewReader(m.Value)).Decode(&v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", m.Type, err)
	}
	return v, nil
}
