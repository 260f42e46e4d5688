package pgevents

import (
	"context"
	"strconv"
	"time"

	"github.com/BearBump/MailBeacon/internal/models"
	"github.com/pkg/errors"
)

// AppendEvent пишет сырое событие (включая дубликаты) и возвращает
// присвоенный id. Запись durable до финализации HTTP-ответа приёма.
func (s *Storage) AppendEvent(ctx context.Context, ev *models.TrackingEvent) (uint64, error) {
	now := time.Now().UTC()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = now
	}

	var id uint64
	err := s.db.QueryRow(ctx, `
INSERT INTO engagement_events (
  event_id, flow_id, step_id, contact_id, event_type, transport,
  click_url, client_ip, user_agent, is_unique, occurred_at, created_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (event_id) DO UPDATE SET created_at = engagement_events.created_at
RETURNING id
`, ev.EventID, ev.FlowID, ev.StepID, ev.ContactID, ev.Type, ev.Transport,
		ev.ClickURL, ev.ClientIP, ev.UserAgent, ev.IsUniqueForMetric, ev.OccurredAt.UTC(), ev.CreatedAt.UTC()).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "insert engagement event")
	}
	ev.ID = id
	return id, nil
}

// QueryEvents отдаёт события по фильтру, от новых к старым.
// Пагинация keyset-курсором beforeID: конкурентные вставки получают большие
// id и не сдвигают уже отданные страницы.
func (s *Storage) QueryEvents(ctx context.Context, f models.EventFilter, beforeID uint64, limit int) ([]*models.TrackingEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}

	q := `
SELECT
  id, event_id, flow_id, step_id, contact_id, event_type, transport,
  click_url, client_ip, user_agent, country, region, city,
  is_unique, occurred_at, created_at
FROM engagement_events
WHERE 1=1
`
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if f.FlowID != "" {
		q += " AND flow_id = " + arg(f.FlowID)
	}
	if f.StepID != "" {
		q += " AND step_id = " + arg(f.StepID)
	}
	if f.ContactID != "" {
		q += " AND contact_id = " + arg(f.ContactID)
	}
	if f.Type != "" {
		q += " AND event_type = " + arg(f.Type)
	}
	if f.From != nil {
		q += " AND occurred_at >= " + arg(f.From.UTC())
	}
	if f.To != nil {
		q += " AND occurred_at < " + arg(f.To.UTC())
	}
	if beforeID > 0 {
		q += " AND id < " + arg(beforeID)
	}
	q += " ORDER BY id DESC LIMIT " + arg(limit)

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "select events")
	}
	defer rows.Close()

	var out []*models.TrackingEvent
	for rows.Next() {
		var e models.TrackingEvent
		if err := rows.Scan(
			&e.ID, &e.EventID, &e.FlowID, &e.StepID, &e.ContactID, &e.Type, &e.Transport,
			&e.ClickURL, &e.ClientIP, &e.UserAgent, &e.Country, &e.Region, &e.City,
			&e.IsUniqueForMetric, &e.OccurredAt, &e.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		out = append(out, &e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// UpdateEventGeo — асинхронное гео-обогащение из воркера; событие при этом
// не считается мутированным: трекинговые поля неизменны.
func (s *Storage) UpdateEventGeo(ctx context.Context, eventID string, country, region, city string) error {
	_, err := s.db.Exec(ctx, `
UPDATE engagement_events SET country = $2, region = $3, city = $4 WHERE event_id = $1
`, eventID, country, region, city)
	return errors.Wrap(err, "update event geo")
}
