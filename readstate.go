package chatsync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultReadTimeout = 10 * time.Second

// readMarker issues fire-and-forget read acknowledgements. Failures are
// logged and never reported to the caller.
type readMarker struct {
	client  *Client
	logger  *zap.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func newReadMarker(client *Client, logger *zap.Logger) *readMarker {
	return &readMarker{client: client, logger: logger, timeout: defaultReadTimeout}
}

// Mark acknowledges roomID in the background. ctx bounds the whole session;
// each call also gets its own timeout.
func (r *readMarker) Mark(ctx context.Context, roomID ID) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		if err := r.client.MarkRead(ctx, roomID); err != nil {
			r.logger.Debug("mark read failed", zap.String("room", string(roomID)), zap.Error(err))
		}
	}()
}

// Wait blocks until every outstanding acknowledgement has finished.
func (r *readMarker) Wait() { r.wg.Wait() }
