// Command echo-service is a minimal app service: it echoes calls and channel data and
// can stream bytes back over the side transport.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"apphost/channel"
	"apphost/rpc"
	"apphost/worker"
)

type Echo struct{}

// Echo returns its argument.
func (Echo) Echo(ctx context.Context, s string) (string, error) {
	return s, nil
}

// Args returns the arguments the service was started with.
func (Echo) Args(ctx context.Context) ([]string, error) {
	return worker.EnvFrom(ctx).Args(), nil
}

// EchoChannel echoes every frame received on the consumer's channel id.
func (Echo) EchoChannel(ctx context.Context, id uint64) error {
	env := worker.EnvFrom(ctx)
	ch, err := env.BindChannelByPeerID(channel.ID(id))
	if err != nil {
		return err
	}
	sub := ch.Subscribe()
	go func() {
		for data := range sub.C() {
			if err := ch.SendRaw(data); err != nil {
				return
			}
		}
	}()
	return nil
}

// SideSocket starts the side transport and returns its path.
func (Echo) SideSocket(ctx context.Context) (string, error) {
	env := worker.EnvFrom(ctx)
	if _, err := env.ListenSide(); err != nil {
		return "", err
	}
	return env.SideSocketPath(), nil
}

// SideEcho echoes raw bytes on side connection id until it closes.
func (Echo) SideEcho(ctx context.Context, id uint32) error {
	conn, err := worker.EnvFrom(ctx).BindSideChannel(ctx, id)
	if err != nil {
		return err
	}
	go func() {
		for chunk := range conn.Subscribe() {
			if _, err := conn.Write(chunk); err != nil {
				return
			}
		}
	}()
	return nil
}

func main() {
	table, err := rpc.NewMethodTable(&Echo{})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()
	if err := worker.Run(ctx, table); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
