package protocol

// NoteContext identifies the paragraph a submitted job belongs to
type NoteContext struct {
	NoteID      string `json:"noteId"`
	ParagraphID string `json:"paragraphId"`
	JobID       string `json:"jobId"`
	BatchID     string `json:"batchId"`
}

// UserContext carries the submitting user. relay sends it empty.
type UserContext struct {
	User  string   `json:"user,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

// SubmitRequest asks a worker to run one paragraph
type SubmitRequest struct {
	Payload     string                 `json:"payload"`
	NoteContext NoteContext            `json:"noteContext"`
	UserContext UserContext            `json:"userContext"`
	Config      map[string]interface{} `json:"config,omitempty"`
}

// SubmitStatus is a worker's answer to a submit
type SubmitStatus string

const (
	SubmitAccepted SubmitStatus = "ACCEPTED"
	SubmitDeclined SubmitStatus = "DECLINED"
	SubmitErrored  SubmitStatus = "ERRORED"
)

// SubmitResponse carries the worker job id when the submit was accepted
type SubmitResponse struct {
	Status      SubmitStatus `json:"status"`
	WorkerJobID string       `json:"workerJobId,omitempty"`
	Message     string       `json:"message,omitempty"`
}

// CancelRequest asks a worker to stop a job
type CancelRequest struct {
	WorkerJobID string `json:"workerJobId"`
}

// CancelStatus is a worker's answer to a cancel
type CancelStatus string

const (
	CancelAccepted CancelStatus = "ACCEPTED"
	CancelNotFound CancelStatus = "NOT_FOUND"
	CancelErrored  CancelStatus = "ERRORED"
)

// CancelResponse answers a CancelRequest
type CancelResponse struct {
	Status  CancelStatus `json:"status"`
	Message string       `json:"message,omitempty"`
}

// ShutdownRequest asks a worker process to exit
type ShutdownRequest struct{}

// Empty is the reply of calls that return nothing
type Empty struct{}

// Registration announces a started worker's address to relay
type Registration struct {
	Kind       string `json:"kind"`
	Selector   string `json:"selector"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	InstanceID string `json:"instanceId"`
}

// RegistrationResponse tells the worker whether relay knew its selector
type RegistrationResponse struct {
	Accepted bool `json:"accepted"`
}

// ResultDelivery reports the outcome of a job. Payload is the JSON result
// document; relay treats a payload that does not decode as an error result.
type ResultDelivery struct {
	WorkerJobID string `json:"workerJobId"`
	InstanceID  string `json:"instanceId"`
	Payload     string `json:"payload"`
}

// PartialOutput streams output of a running job
type PartialOutput struct {
	WorkerJobID string `json:"workerJobId"`
	Text        string `json:"text"`
}
