package fake

import (
	"context"
	"hash/fnv"

	"github.com/BearBump/MailBeacon/internal/integrations/geo"
)

// FakeClient — детерминированная заглушка геолокации для dev-окружения:
// по одному и тому же IP всегда та же страна.
type FakeClient struct{}

func New() *FakeClient { return &FakeClient{} }

var locations = []geo.Location{
	{Country: "Germany", Region: "Berlin", City: "Berlin"},
	{Country: "United States", Region: "California", City: "San Francisco"},
	{Country: "Netherlands", Region: "North Holland", City: "Amsterdam"},
	{Country: "Poland", Region: "Masovian", City: "Warsaw"},
	{Country: "United Kingdom", Region: "England", City: "London"},
}

func (f *FakeClient) Lookup(ctx context.Context, ip string) (geo.Location, error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(ip))
	return locations[h.Sum32()%uint32(len(locations))], nil
}
