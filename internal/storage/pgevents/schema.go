package pgevents

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS engagement_events (
  id BIGSERIAL PRIMARY KEY,
  event_id TEXT NOT NULL UNIQUE,
  flow_id TEXT NOT NULL,
  step_id TEXT NOT NULL,
  contact_id TEXT NOT NULL,
  event_type TEXT NOT NULL,
  transport TEXT NOT NULL,
  click_url TEXT NOT NULL DEFAULT '',
  client_ip TEXT NOT NULL DEFAULT '',
  user_agent TEXT NOT NULL DEFAULT '',
  country TEXT NOT NULL DEFAULT '',
  region TEXT NOT NULL DEFAULT '',
  city TEXT NOT NULL DEFAULT '',
  is_unique BOOLEAN NOT NULL,
  occurred_at TIMESTAMPTZ NOT NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_engagement_events_flow_id_id ON engagement_events(flow_id, id DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_engagement_events_flow_step ON engagement_events(flow_id, step_id)`,
		`CREATE INDEX IF NOT EXISTS idx_engagement_events_contact_id ON engagement_events(contact_id)`,
		`CREATE INDEX IF NOT EXISTS idx_engagement_events_occurred_at ON engagement_events(occurred_at)`,
		`
CREATE TABLE IF NOT EXISTS flow_sends (
  flow_id TEXT NOT NULL,
  step_id TEXT NOT NULL,
  recipients BIGINT NOT NULL DEFAULT 0,
  recorded_at TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (flow_id, step_id)
)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
