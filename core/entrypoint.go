package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/encodeous/tint"
	slogmulti "github.com/samber/slog-multi"

	"github.com/peersend/overlay/state"
)

func Start(ccfg state.CentralCfg, lcfg state.LocalCfg, logLevel slog.Level) error {
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(context.Canceled)

	dispatch := make(chan func(s *state.State) error)

	logger, logCloser, err := buildLogger(lcfg, logLevel)
	if err != nil {
		return err
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	s := state.State{
		Modules: make(map[string]state.OvModule),
		Peers:   make(map[state.PeerId]*state.PeerRecord),
		Env: &state.Env{
			Context:         ctx,
			Cancel:          cancel,
			DispatchChannel: dispatch,
			CentralCfg:      ccfg,
			LocalCfg:        lcfg,
			Log:             logger,
			Clock:           clock.New(),
			Trusted:         make(map[state.PeerId]state.OvPublicKey),
			Names:           make(map[state.PeerId]string),
		},
	}
	s.Router = state.NewRouterState(lcfg.Id())

	for _, peer := range ccfg.Peers {
		id := peer.Id()
		s.Trusted[id] = peer.PubKey
		s.Names[id] = peer.Name
	}

	s.Log.Info("init modules", "id", s.DisplayName(s.Id()))
	if err := initModules(&s); err != nil {
		return err
	}
	s.Log.Info("overlay node is up, send SIGINT or Ctrl+C to exit")

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for range c {
			s.Cancel(errors.New("received shutdown signal"))
		}
	}()

	return MainLoop(&s, dispatch)
}

func buildLogger(lcfg state.LocalCfg, level slog.Level) (*slog.Logger, io.Closer, error) {
	console := tint.NewHandler(os.Stderr, &tint.Options{
		Level:        level,
		AddSource:    false,
		TimeFormat:   "15:04:05",
		CustomPrefix: lcfg.Name,
	})
	if lcfg.LogPath == "" {
		return slog.New(console), nil, nil
	}
	f, err := os.OpenFile(lcfg.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}
	file := slog.NewTextHandler(f, &slog.HandlerOptions{Level: level})
	return slog.New(slogmulti.Fanout(console, file)), f, nil
}

func initModules(s *state.State) error {
	modules := []state.OvModule{
		&Registry{},
		&Links{},
		&Connector{},
		&Router{},
		&Discovery{},
		&Control{},
	}

	for _, module := range modules {
		s.Modules[reflect.TypeOf(module).String()] = module
		if err := module.Init(s); err != nil {
			return err
		}
	}
	return nil
}

func MainLoop(s *state.State, dispatch <-chan func(*state.State) error) error {
	s.Log.Debug("started main loop")
	for {
		select {
		case fun := <-dispatch:
			start := time.Now()
			err := fun(s)
			if err != nil {
				s.Log.Error("error occurred during dispatch", "error", err)
				s.Cancel(err)
			}
			elapsed := time.Since(start)
			if elapsed > time.Millisecond*50 {
				s.Log.Warn("dispatch took a long time!", "elapsed", elapsed)
			}
		case <-s.Context.Done():
			goto endLoop
		}
	}
endLoop:
	s.Log.Info("stopped main loop", "reason", context.Cause(s.Context).Error())
	cleanup(s)
	return nil
}

func cleanup(s *state.State) {
	s.Log.Info("cleaning up modules")
	for moduleName, module := range s.Modules {
		err := module.Cleanup(s)
		if err != nil {
			s.Log.Error("error occurred during cleanup", "module", moduleName, "error", err)
		}
	}
	s.Cancel(context.Canceled)
}
