package models

import (
	"fmt"
	"time"
)

// Типы событий вовлечённости.
const (
	EventTypeOpen  = "open"
	EventTypeClick = "click"
)

// Транспорты маяков. Разные транспорты одного логического события
// схлопываются в один DedupKey (транспорт в ключ не входит).
const (
	TransportPixel      = "pixel"
	TransportCSS        = "css"
	TransportBackground = "background"
	TransportDNS        = "dns"
	TransportRedirect   = "redirect"
)

// TrackingIdentity — тройка, на которой висят все концепции трекинга.
// Неизменяема после отправки шага письма.
type TrackingIdentity struct {
	FlowID    string
	StepID    string
	ContactID string
}

func (id TrackingIdentity) Valid() bool {
	return id.FlowID != "" && id.StepID != "" && id.ContactID != ""
}

// DedupKey строит стабильный ключ дедупликации: (flow, step, contact, type).
func (id TrackingIdentity) DedupKey(eventType string) string {
	return fmt.Sprintf("%s|%s|%s|%s", id.FlowID, id.StepID, id.ContactID, eventType)
}

type TrackingEvent struct {
	ID        uint64 `json:"id"`
	EventID   string `json:"eventId"`
	FlowID    string `json:"flowId"`
	StepID    string `json:"stepId"`
	ContactID string `json:"contactId"`
	Type      string `json:"type"`
	Transport string `json:"transport"`
	// ClickURL непустой только для type=click.
	ClickURL  string `json:"clickUrl,omitempty"`
	ClientIP  string `json:"clientIp,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
	// Гео-обогащение заполняется асинхронно, может отсутствовать.
	Country string `json:"country,omitempty"`
	Region  string `json:"region,omitempty"`
	City    string `json:"city,omitempty"`
	// IsUniqueForMetric выставляется движком дедупликации ровно один раз
	// при приёме; сырые дубликаты тоже сохраняются для аудита.
	IsUniqueForMetric bool      `json:"isUniqueForMetric"`
	OccurredAt        time.Time `json:"occurredAt"`
	CreatedAt         time.Time `json:"createdAt"`
}

func (e *TrackingEvent) Identity() TrackingIdentity {
	return TrackingIdentity{FlowID: e.FlowID, StepID: e.StepID, ContactID: e.ContactID}
}

type EventFilter struct {
	FlowID    string
	StepID    string
	ContactID string
	Type      string
	From      *time.Time
	To        *time.Time
}

// FlowSend — сколько получателей ушло в рассылку по шагу потока.
// Пишется внешним отправляющим пайплайном, читается аналитикой.
type FlowSend struct {
	FlowID     string
	StepID     string
	Recipients int64
	RecordedAt time.Time
}
