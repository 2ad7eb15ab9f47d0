package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	TaskDeliverCAPI    = "dispatch.capi.deliver"
	TaskDeliverOffline = "dispatch.offline.deliver"
)

// TaskType returns the asynq task type for p.
func TaskType(p Platform) string {
	if p == PlatformOffline {
		return TaskDeliverOffline
	}
	return TaskDeliverCAPI
}

func NewDeliverTask(job Job) (*asynq.Task, error) {
	if !job.Platform.Valid() {
		return nil, fmt.Errorf("deliver task: invalid platform %q", job.Platform)
	}
	data, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskType(job.Platform), data), nil
}

func ParseDeliverPayload(task *asynq.Task) (Job, error) {
	var job Job
	if err := json.Unmarshal(task.Payload(), &job); err != nil {
		return Job{}, err
	}
	return job, nil
}
