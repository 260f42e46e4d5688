package messages

import "time"

// EngagementRecorded публикуется приёмом после durable-записи события.
// Воркер по нему инкрементально обновляет счётчики и обогащает гео.
type EngagementRecorded struct {
	EventID   string `json:"event_id"`
	FlowID    string `json:"flow_id"`
	StepID    string `json:"step_id"`
	ContactID string `json:"contact_id"`

	Type      string `json:"type"`
	Transport string `json:"transport"`

	ClickURL  string `json:"click_url,omitempty"`
	ClientIP  string `json:"client_ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`

	IsUniqueForMetric bool      `json:"is_unique_for_metric"`
	OccurredAt        time.Time `json:"occurred_at"`
}
