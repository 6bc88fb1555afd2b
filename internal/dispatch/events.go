package dispatch

// Event topics published by the dispatch module.
const (
	TopicJobCreated   = "dispatch.job.created"
	TopicJobCompleted = "dispatch.job.completed"
)

// JobEvent is the payload for job.* events.
type JobEvent struct {
	JobID     string
	Kind      string
	Total     int
	Succeeded int
	Failed    int
}
