package execution

// JobKind is the queue job kind that asks a worker to run an execution.
const JobKind = "execution.run"

// JobPayload is the queued reference to an execution. The record itself is
// always reloaded from the store.
type JobPayload struct {
	ExecutionID int64 `json:"execution_id"`
}
