package node

import (
	"context"
	"fmt"

	"github.com/danmuck/trdp/internal/config"
	"github.com/danmuck/trdp/internal/md"
)

// RouteHandler answers requests by ComId: echo routes return the request
// payload, static routes a fixed reply. Unrouted ComIds get no reply.
func RouteHandler(routes []config.RouteEntry) md.Handler {
	table := make(map[uint32]config.RouteEntry, len(routes))
	for _, r := range routes {
		table[r.ComID] = r
	}
	return md.HandlerFunc(func(ctx context.Context, req md.IncomingRequest) ([]byte, error) {
		route, ok := table[req.ComID]
		if !ok {
			return nil, fmt.Errorf("node: no route for com_id %d", req.ComID)
		}
		switch route.Mode {
		case config.RouteStatic:
			return []byte(route.Reply), nil
		default:
			return append([]byte(nil), req.Payload...), nil
		}
	})
}
