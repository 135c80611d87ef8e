package server

import (
	"context"
	"time"

	"github.com/javier96ke/plazas/pkg/config"
)

// BroadcastStatus periodically pushes the status snapshot to websocket
// clients. Idle when nobody is connected.
func (s *Server) BroadcastStatus(ctx context.Context) {
	ticker := time.NewTicker(config.WSStatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.hub == nil || !s.hub.HasClients() {
				continue
			}
			s.hub.Broadcast(s.statusSnapshot())
		}
	}
}
