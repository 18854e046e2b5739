package httpx

type CreateTaskRequest struct {
	Title       string `json:"title" validate:"required,max=200"`
	Description string `json:"description" validate:"max=2000"`
	Status      string `json:"status" validate:"omitempty,oneof=todo doing done"`
}

type TaskResponse struct {
	ID          string `json:"id"`
	Code        string `json:"code"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	OwnerID     string `json:"owner_id"`
	Status      string `json:"status"`
	SagaID      string `json:"saga_id"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

type SagaLogResponse struct {
	SagaID    string `json:"saga_id"`
	Status    string `json:"status"`
	Step      string `json:"step,omitempty"`
	Details   string `json:"details"`
	TraceID   string `json:"trace_id,omitempty"`
	Timestamp string `json:"timestamp"`
}

type SagaHistoryResponse struct {
	SagaID   string            `json:"saga_id"`
	State    string            `json:"state"`
	Terminal bool              `json:"terminal"`
	Valid    bool              `json:"valid"`
	Entries  []SagaLogResponse `json:"entries"`
}

type EventAcceptedResponse struct {
	Status string `json:"status"`
	Type   string `json:"type"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	SagaID  string `json:"saga_id,omitempty"`
}
