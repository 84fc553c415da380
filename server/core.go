package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"

	"apphost/channel"
	"apphost/packet"
	"apphost/rpc"

	"go.uber.org/zap"
)

// ErrPreloadServed is returned by getAppPreloadScript after its first call.
var ErrPreloadServed = errors.New("server: preload script can only be fetched once")

// AppInfo describes a started instance to an RPC caller.
type AppInfo struct {
	InstanceID int    `json:"instanceId"`
	Name       string `json:"name"`
	Render     string `json:"render"`
}

func (s *Server) coreTable() rpc.MethodTable {
	return rpc.MethodTable{
		"startApp":               s.startAppMethod,
		"registerWindowProvider": s.registerWindowProviderMethod,
		"getAppPreloadScript":    rpc.Func0(s.appPreloadScript),
	}
}

// startAppMethod: startApp(name, ...args). Arguments that are not strings are passed
// to the service as their JSON text.
func (s *Server) startAppMethod(ctx context.Context, args []json.RawMessage) (any, error) {
	name, err := rpc.Arg[string](args, 0)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, rpc.Errorf(packet.CodeBadArgs, "app name required")
	}
	appArgs := make([]string, 0, len(args))
	for i := 1; i < len(args); i++ {
		if v, err := rpc.Arg[string](args, i); err == nil {
			appArgs = append(appArgs, v)
		} else {
			appArgs = append(appArgs, string(args[i]))
		}
	}

	app, err := s.StartApp(ctx, name, appArgs...)
	if err != nil {
		return nil, err
	}
	return AppInfo{InstanceID: app.ID(), Name: app.Name(), Render: app.RenderEndpoint()}, nil
}

// registerWindowProviderMethod: registerWindowProvider(channelId). The channel must
// have been opened on the core endpoint by the caller. Only the first registration
// is accepted.
func (s *Server) registerWindowProviderMethod(ctx context.Context, args []json.RawMessage) (any, error) {
	id, err := rpc.Arg[uint64](args, 0)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.requester != nil {
		return nil, ErrProviderRegistered
	}
	ch, err := s.channels.BindChannelByPeerID(channel.ID(id))
	if err != nil {
		return nil, err
	}
	s.requester = newViewRequester(ch, s.logger.With(zap.Stringer("provider_channel", ch.ID())))
	s.logger.Info("window provider registered", zap.Stringer("channel", ch.ID()))
	return nil, nil
}

func (s *Server) appPreloadScript(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.preloadServed {
		return "", ErrPreloadServed
	}
	s.preloadServed = true
	return (&url.URL{Scheme: "file", Path: s.preload}).String(), nil
}
