package server

// Request payloads

type StartReviewRequest struct {
	SubjectID   string `json:"subject_id"`
	SubjectType string `json:"subject_type" enum:"dataset,preprint,comment"`
}

// AnswerStepRequest is the uniform POST body for every step form. Question
// steps use choice/detail; the persona step takes the persona as choice;
// competing-interests and code-of-conduct take yes/no as choice.
type AnswerStepRequest struct {
	Choice string `json:"choice,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Response payloads

type StartReviewResponse struct {
	ReviewID         string `json:"review_id"`
	NextExpectedStep string `json:"next_expected_step"`
	NextPath         string `json:"next_path"`
}

type NextStepResponse struct {
	NextExpectedStep string `json:"next_expected_step"`
	NextPath         string `json:"next_path"`
}

type PublishResponse struct {
	Status         string `json:"status"`
	IdempotencyKey string `json:"idempotency_key"`
	StatusPath     string `json:"status_path"`
}

type HealthResponse struct {
	Status string `json:"status" example:"ok"`
}
