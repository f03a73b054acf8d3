package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/smtp"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeRequestApproved notifies vendor and stakeholders that a
	// payment request was approved.
	TaskTypeRequestApproved = "boletin:request_approved"
	// TaskTypeRequestCreated notifies approvers that a new payment request
	// awaits review.
	TaskTypeRequestCreated = "boletin:request_created"
)

// RequestEventPayload describes a payment request status notification.
// EventID correlates the queued task with the HTTP request that produced it.
type RequestEventPayload struct {
	EventID    string  `json:"event_id"`
	DocNumber  string  `json:"doc_number"`
	OrderID    string  `json:"order_id"`
	VendorName string  `json:"vendor_name"`
	NetTotal   float64 `json:"net_total"`
	Recipient  string  `json:"recipient"`
}

// NewRequestApprovedTask constructs an Asynq task for an approval notice.
func NewRequestApprovedTask(payload RequestEventPayload) (*asynq.Task, error) {
	if payload.EventID == "" {
		payload.EventID = uuid.NewString()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeRequestApproved, data), nil
}

// NewRequestCreatedTask constructs an Asynq task for a creation notice.
func NewRequestCreatedTask(payload RequestEventPayload) (*asynq.Task, error) {
	if payload.EventID == "" {
		payload.EventID = uuid.NewString()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeRequestCreated, data), nil
}

// Mailer sends the rendered notification.
type Mailer struct {
	Addr string
	From string
}

// Send delivers one plain-text message.
func (m Mailer) Send(to, subject, body, eventID string) error {
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nX-Event-Id: %s\r\n\r\n%s\r\n",
		m.From, to, subject, eventID, body)
	return smtp.SendMail(m.Addr, nil, m.From, []string{to}, []byte(msg))
}

// HandleRequestApproved processes TaskTypeRequestApproved tasks.
func (m Mailer) HandleRequestApproved(ctx context.Context, t *asynq.Task) error {
	var payload RequestEventPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Recipient == "" {
		return asynq.SkipRetry
	}
	subject := fmt.Sprintf("Boletín %s aprobado", payload.DocNumber)
	body := fmt.Sprintf("El boletín %s de %s (orden %s) fue aprobado por un total neto de %.2f.",
		payload.DocNumber, payload.VendorName, payload.OrderID, payload.NetTotal)
	return m.Send(payload.Recipient, subject, body, payload.EventID)
}

// HandleRequestCreated processes TaskTypeRequestCreated tasks.
func (m Mailer) HandleRequestCreated(ctx context.Context, t *asynq.Task) error {
	var payload RequestEventPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Recipient == "" {
		return asynq.SkipRetry
	}
	subject := fmt.Sprintf("Nuevo boletín %s pendiente de revisión", payload.DocNumber)
	body := fmt.Sprintf("Se registró el boletín %s de %s contra la orden %s.",
		payload.DocNumber, payload.VendorName, payload.OrderID)
	return m.Send(payload.Recipient, subject, body, payload.EventID)
}
