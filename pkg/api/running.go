package api

import "time"

// WorkerTaskRunning records that a worker instance owns a job. It is created
// before the job runs and deleted once its result has been published.
type WorkerTaskRunning struct {
	JobID        string
	Kind         MessageKind
	WorkerID     string
	ExecutionID  string
	StartedAt    time.Time
	HeartbeatSeq int64

	// Job is the encoded envelope of the original WorkerTask or WorkerTrigger,
	// re-published as-is on resubmission.
	Job Message
}

// WorkerInstance is the liveness view of one worker process.
type WorkerInstance struct {
	ID         string
	Hostname   string
	Partitions []int
	StartedAt  time.Time
	LastSeen   time.Time
	Seq        int64
	Status     WorkerStatus
}

// InstanceFromHeartbeat builds the liveness record carried by hb.
func InstanceFromHeartbeat(hb Heartbeat) WorkerInstance {
	return WorkerInstance{
		ID:         hb.WorkerID,
		Hostname:   hb.Hostname,
		Partitions: hb.Partitions,
		StartedAt:  hb.StartedAt,
		LastSeen:   hb.Timestamp,
		Seq:        hb.Seq,
		Status:     hb.Status,
	}
}
