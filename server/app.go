package server

import (
	"fmt"
	"strconv"
	"sync"

	"apphost/packet"

	"go.uber.org/zap"
)

// Sink receives what an app's render endpoint gets. service is empty when the
// sender is the app's own service.
type Sink func(service string, body packet.Packet)

// App is one running instance of an app.
type App struct {
	srv    *Server
	id     int
	info   AppStartInfo
	render string
	view   View

	mu        sync.Mutex
	sink      Sink
	sinkGen   uint64
	closeOnce sync.Once
}

func newApp(srv *Server, id int, info AppStartInfo) *App {
	return &App{
		srv:    srv,
		id:     id,
		info:   info,
		render: fmt.Sprintf("%s-render-%d", info.Package.Name, id),
	}
}

// ID is the instance id.
func (a *App) ID() int { return a.id }

// Name is the package name, which is also the app's service name.
func (a *App) Name() string { return a.info.Package.Name }

// Info returns the start information the app was launched with.
func (a *App) Info() AppStartInfo { return a.info }

// RenderEndpoint is the exchange name the app's UI surface receives on.
func (a *App) RenderEndpoint() string { return a.render }

// View returns the app's view, nil when no view provider was available.
func (a *App) View() View { return a.view }

func (a *App) consumerID() string { return strconv.Itoa(a.id) }

// Attach makes sink the receiver of the render endpoint, replacing any previous one.
// The returned func detaches it.
func (a *App) Attach(sink Sink) (detach func()) {
	a.mu.Lock()
	a.sinkGen++
	gen := a.sinkGen
	a.sink = sink
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		if a.sinkGen == gen {
			a.sink = nil
		}
		a.mu.Unlock()
	}
}

// Post sends body from the render endpoint to service, or to the app's own service
// when service is empty. It reports whether the destination exists.
func (a *App) Post(service string, body packet.Packet) bool {
	if service == "" {
		service = a.Name()
	}
	return a.srv.ex.SendTo(service, a.render, body)
}

func (a *App) onRender(env *packet.Envelope) {
	a.mu.Lock()
	sink := a.sink
	a.mu.Unlock()
	if sink == nil {
		a.srv.logger.Debug("no surface attached, dropping envelope",
			zap.String("render", a.render),
			zap.String("src", env.Src),
		)
		return
	}
	service := env.Src
	if service == a.Name() {
		service = ""
	}
	sink(service, env.Body)
}

// Close releases the instance's hold on its service and removes its render endpoint.
// The service stops when no other instance uses it.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.info.Package.Main != "" {
			a.srv.services.TerminateService(a.Name(), a.consumerID(), true)
		}
		a.srv.ex.Disconnect(a.render)
		a.mu.Lock()
		a.sink = nil
		a.mu.Unlock()
		a.srv.removeApp(a.id)
		a.srv.logger.Info("app closed", zap.String("app", a.Name()), zap.Int("instance", a.id))
	})
}
