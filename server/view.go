package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"apphost/channel"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"
)

// ViewType selects the kind of view an app is opened in.
type ViewType string

const (
	ViewMainWindow ViewType = "mainWindow"
	ViewSubWindow  ViewType = "subWindow"
)

// View is a UI surface an app renders into.
type View interface {
	LoadURL(ctx context.Context, url string) error
}

// ViewProvider creates views for app instances.
type ViewProvider interface {
	CreateView(ctx context.Context, t ViewType, flags []string) (View, error)
}

var (
	ErrProviderRegistered = errors.New("server: window provider already registered")
	ErrNoViewProvider     = errors.New("server: no view provider")
)

// viewRequest is sent over the window provider channel; the provider answers with a
// message carrying the same reqId.
type viewRequest struct {
	ReqID        uint64 `json:"reqId"`
	WebContentID *int64 `json:"webContentId"`
	Method       string `json:"method"`
	Args         []any  `json:"args"`
}

type viewResponse struct {
	ReqID        uint64          `json:"reqId"`
	WebContentID *int64          `json:"webContentId,omitempty"`
	Error        string          `json:"error,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
}

// ViewRequester forwards view operations to a window provider over a channel. It is
// itself a ViewProvider.
type ViewRequester struct {
	ch     *channel.Channel
	sub    *channel.Subscription
	logger *zap.Logger

	mu      sync.Mutex
	nextID  uint64
	waiters map[uint64]chan viewResponse
	closed  bool
}

func newViewRequester(ch *channel.Channel, logger *zap.Logger) *ViewRequester {
	r := &ViewRequester{
		ch:      ch,
		sub:     ch.Subscribe(),
		logger:  logger,
		waiters: make(map[uint64]chan viewResponse),
	}
	go r.readLoop()
	return r
}

func (r *ViewRequester) readLoop() {
	for data := range r.sub.C() {
		var resp viewResponse
		if err := sonic.Unmarshal(data, &resp); err != nil {
			r.logger.Warn("invalid view response", zap.Error(err))
			continue
		}
		r.mu.Lock()
		w, ok := r.waiters[resp.ReqID]
		delete(r.waiters, resp.ReqID)
		r.mu.Unlock()
		if !ok {
			r.logger.Error("invalid view info", zap.Uint64("req_id", resp.ReqID))
			continue
		}
		w <- resp
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for id, w := range r.waiters {
		close(w)
		delete(r.waiters, id)
	}
}

// request asks the provider to run method on the view webContentID (nil for none).
func (r *ViewRequester) request(ctx context.Context, webContentID *int64, method string, args ...any) (*viewResponse, error) {
	w := make(chan viewResponse, 1)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, channel.ErrChannelClosed
	}
	id := r.nextID
	r.nextID++
	r.waiters[id] = w
	r.mu.Unlock()

	if args == nil {
		args = []any{}
	}
	if err := r.ch.Send(viewRequest{ReqID: id, WebContentID: webContentID, Method: method, Args: args}); err != nil {
		r.forget(id)
		return nil, err
	}

	select {
	case resp, ok := <-w:
		if !ok {
			return nil, channel.ErrChannelClosed
		}
		if resp.Error != "" {
			return nil, fmt.Errorf("server: view %s: %s", method, resp.Error)
		}
		return &resp, nil
	case <-ctx.Done():
		r.forget(id)
		return nil, ctx.Err()
	}
}

func (r *ViewRequester) forget(id uint64) {
	r.mu.Lock()
	delete(r.waiters, id)
	r.mu.Unlock()
}

// CreateView asks the provider for a new view.
func (r *ViewRequester) CreateView(ctx context.Context, t ViewType, flags []string) (View, error) {
	if flags == nil {
		flags = []string{}
	}
	resp, err := r.request(ctx, nil, "createView", t, flags)
	if err != nil {
		return nil, err
	}
	if resp.WebContentID == nil {
		return nil, fmt.Errorf("server: view provider returned no webContentId")
	}
	return &remoteView{req: r, id: *resp.WebContentID}, nil
}

type remoteView struct {
	req *ViewRequester
	id  int64
}

func (v *remoteView) LoadURL(ctx context.Context, url string) error {
	_, err := v.req.request(ctx, &v.id, "loadURL", url)
	return err
}
