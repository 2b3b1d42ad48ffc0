package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/lzjever/mbos-wos/internal/core"
	"github.com/lzjever/mbos-wos/internal/syncproto"
)

// WorkerConn is one websocket connection to a sandbox's sync worker.
// Requests are serialized per connection; each frame gets exactly one
// response.
type WorkerConn struct {
	remoteID string
	url      string

	mu   sync.Mutex
	conn *websocket.Conn
}

// dialWorker connects with exponential backoff bounded by timeout.
func dialWorker(ctx context.Context, remoteID, url string, timeout time.Duration) (*WorkerConn, error) {
	var conn *websocket.Conn
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = timeout

	op := func() error {
		c, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return nil, core.NewAppError(core.ErrSyncUnreachable,
			fmt.Sprintf("sync worker %s unreachable at %s: %v", remoteID, url, err))
	}
	return &WorkerConn{remoteID: remoteID, url: url, conn: conn}, nil
}

func (w *WorkerConn) roundTrip(req syncproto.Request) (*syncproto.Response, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return nil, core.NewAppError(core.ErrSyncUnreachable, "sync worker connection closed")
	}
	req.ID = core.NewID()
	if err := w.conn.WriteJSON(req); err != nil {
		w.closeLocked()
		return nil, core.NewAppError(core.ErrSyncUnreachable, fmt.Sprintf("sync write: %v", err))
	}
	var resp syncproto.Response
	if err := w.conn.ReadJSON(&resp); err != nil {
		w.closeLocked()
		return nil, core.NewAppError(core.ErrSyncUnreachable, fmt.Sprintf("sync read: %v", err))
	}
	if !resp.OK {
		return nil, fmt.Errorf("sync worker: %s", resp.Error)
	}
	return &resp, nil
}

func (w *WorkerConn) Manifest() ([]syncproto.FileInfo, error) {
	resp, err := w.roundTrip(syncproto.Request{Op: syncproto.OpManifest})
	if err != nil {
		return nil, err
	}
	return resp.Files, nil
}

func (w *WorkerConn) PullFile(path string) ([]byte, error) {
	resp, err := w.roundTrip(syncproto.Request{Op: syncproto.OpPullFile, Path: path})
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (w *WorkerConn) PushFile(path string, mode uint32, data []byte) error {
	_, err := w.roundTrip(syncproto.Request{Op: syncproto.OpPushFile, Path: path, Mode: mode, Data: data})
	return err
}

// Alive reports whether the connection is still usable.
func (w *WorkerConn) Alive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn != nil
}

func (w *WorkerConn) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closeLocked()
}

func (w *WorkerConn) closeLocked() {
	if w.conn != nil {
		_ = w.conn.Close()
		w.conn = nil
	}
}
