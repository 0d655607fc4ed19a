package domain

import "time"

// ActionJob is the payload of one queued action invocation.
type ActionJob struct {
	Action          Action         `json:"action"`
	MessageID       string         `json:"messageId"`
	Source          string         `json:"source,omitempty"`
	GroupID         string         `json:"groupId"`
	GroupName       string         `json:"groupName"`
	Sender          string         `json:"sender"`
	Content         string         `json:"content"`
	Type            Classification `json:"type"`
	QuotedMessageID string         `json:"quotedMessageId,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
	Rule            string         `json:"rule,omitempty"`
	Attachments     []Attachment   `json:"attachments,omitempty"`
}

// WebhookPayload is the JSON body POSTed by WEBHOOK actions.
type WebhookPayload struct {
	MessageID string         `json:"messageId"`
	GroupID   string         `json:"groupId"`
	GroupName string         `json:"groupName"`
	Sender    string         `json:"sender"`
	Content   string         `json:"content"`
	Type      Classification `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
}

func (j ActionJob) WebhookPayload() WebhookPayload {
	return WebhookPayload{
		MessageID: j.MessageID,
		GroupID:   j.GroupID,
		GroupName: j.GroupName,
		Sender:    j.Sender,
		Content:   j.Content,
		Type:      j.Type,
		Timestamp: j.Timestamp,
	}
}
