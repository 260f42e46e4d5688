package geo

import (
	"context"
)

type Location struct {
	Country string
	Region  string
	City    string
}

// Client — необязательный обогатитель событий: IP -> география.
// Сбой обогащения никогда не влияет на запись самого события.
type Client interface {
	Lookup(ctx context.Context, ip string) (Location, error)
}
