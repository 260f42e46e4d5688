package pgevents

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// RecordSend аккумулирует число получателей по (flow, step).
// Вызывается отправляющим пайплайном на каждую партию.
func (s *Storage) RecordSend(ctx context.Context, flowID, stepID string, recipients int64) error {
	if recipients < 0 {
		return errors.New("recipients must be non-negative")
	}
	_, err := s.db.Exec(ctx, `
INSERT INTO flow_sends (flow_id, step_id, recipients, recorded_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT (flow_id, step_id)
DO UPDATE SET recipients = flow_sends.recipients + EXCLUDED.recipients, recorded_at = EXCLUDED.recorded_at
`, flowID, stepID, recipients, time.Now().UTC())
	return errors.Wrap(err, "record send")
}

// RecipientsSent — знаменатель openRate по потоку.
func (s *Storage) RecipientsSent(ctx context.Context, flowID string) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx, `
SELECT COALESCE(SUM(recipients), 0) FROM flow_sends WHERE flow_id = $1
`, flowID).Scan(&n)
	return n, errors.Wrap(err, "recipients sent")
}

func (s *Storage) StepRecipients(ctx context.Context, flowID, stepID string) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx, `
SELECT COALESCE(SUM(recipients), 0) FROM flow_sends WHERE flow_id = $1 AND step_id = $2
`, flowID, stepID).Scan(&n)
	return n, errors.Wrap(err, "step recipients")
}

// HasFlow — поток известен, если по нему записана хоть одна отправка
// или хоть одно событие.
func (s *Storage) HasFlow(ctx context.Context, flowID string) (bool, error) {
	var ok bool
	err := s.db.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM flow_sends WHERE flow_id = $1)
    OR EXISTS (SELECT 1 FROM engagement_events WHERE flow_id = $1)
`, flowID).Scan(&ok)
	return ok, errors.Wrap(err, "has flow")
}

// ListFlowSteps — шаги потока для разбивки StepMetrics: объединение шагов
// из отправок и из событий (контакт может открыть несколько шагов).
func (s *Storage) ListFlowSteps(ctx context.Context, flowID string) ([]string, error) {
	rows, err := s.db.Query(ctx, `
SELECT step_id FROM flow_sends WHERE flow_id = $1
UNION
SELECT DISTINCT step_id FROM engagement_events WHERE flow_id = $1
ORDER BY step_id
`, flowID)
	if err != nil {
		return nil, errors.Wrap(err, "select flow steps")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var step string
		if err := rows.Scan(&step); err != nil {
			return nil, errors.Wrap(err, "scan step")
		}
		out = append(out, step)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
