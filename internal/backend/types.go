package backend

import "strings"

// Plan is an offering returned from GET /api/plans
type Plan struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Duration float64 `json:"duration"` // minutes, may be fractional
	PriceUSD float64 `json:"price_usd"`
	PriceBs  float64 `json:"price_bs"`
}

// PendingRequest is one entry of GET /api/admin/requests, keyed by ID
type PendingRequest struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	Plan         Plan   `json:"plan_data"`
	PaymentRef   string `json:"payment_ref"`
	PaymentProof string `json:"payment_proof"`
	Status       string `json:"status"`
	CreatedAt    string `json:"created_at"`
	Source       string `json:"source"`
	ChatID       *int64 `json:"chat_id"`
}

// ActiveUser is one entry of GET /api/admin/users
type ActiveUser struct {
	Username     string `json:"username"`
	TelegramUser string `json:"telegramUser"`
	IsActive     bool   `json:"isActive"`
	Uptime       string `json:"uptime"`
	TotalTime    string `json:"totalTime"`
	TimeLeft     string `json:"timeLeft"`
	IPAddress    string `json:"ipAddress"`
	Status       string `json:"status"`
}

// LogEntry is a single line of a backend log tail
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// Severity normalizes Level for display styling. Unknown levels map to "".
func (e LogEntry) Severity() string {
	switch strings.ToLower(e.Level) {
	case "error":
		return "error"
	case "warning", "warn":
		return "warning"
	case "info":
		return "info"
	default:
		return ""
	}
}

// SystemStatus is returned from GET /api/admin/system-status
type SystemStatus struct {
	Status string     `json:"status"`
	Logs   []LogEntry `json:"logs"`
}

// SystemLogs is returned from GET /api/admin/system-logs
type SystemLogs struct {
	ClientBotLogs []LogEntry `json:"clientBotLogs"`
	ManagerLogs   []LogEntry `json:"managerLogs"`
	ServerLogs    []LogEntry `json:"serverLogs"`
}

// PaymentSubmission is sent to POST /api/submit-request
type PaymentSubmission struct {
	Plan         Plan   `json:"plan"`
	PaymentRef   string `json:"paymentRef"`
	PaymentProof string `json:"paymentProof"`
}

// SubmitResponse is returned from POST /api/submit-request
type SubmitResponse struct {
	RequestID string `json:"requestId"`
	Error     string `json:"error,omitempty"`
}

// RequestStatus is the resolution state of a submitted request
type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusApproved RequestStatus = "approved"
	StatusRejected RequestStatus = "rejected"
)

// Terminal reports whether polling should stop on this status
func (s RequestStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// StatusResponse is returned from GET /api/check-status/{id}
type StatusResponse struct {
	Status RequestStatus `json:"status"`
	Ticket string        `json:"ticket,omitempty"`
}

// RefundRequest is sent to POST /api/admin/refund
type RefundRequest struct {
	RequestID string  `json:"requestId"`
	Username  string  `json:"username"`
	Reason    string  `json:"reason"`
	Amount    float64 `json:"amount"`
	Comments  string  `json:"comments"`
}

// errorBody is the shape of every backend failure response
type errorBody struct {
	Error string `json:"error"`
}
