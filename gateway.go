package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	gosip "github.com/ghettovoice/gosip"
	gosiplog "github.com/ghettovoice/gosip/log"
	"golang.org/x/sync/errgroup"

	"pstnbridge/bridge"
	"pstnbridge/call"
	"pstnbridge/matrix"
	"pstnbridge/rooms"
	"pstnbridge/signalling"
	"pstnbridge/telephony"
	"pstnbridge/telephony/pstream"
	"pstnbridge/telephony/siptrunk"
)

// Gateway connects the homeserver, the call engine and the telephony
// backends.
type Gateway struct {
	settings   *Settings
	logs       *Loggers
	store      rooms.Store
	modules    *telephony.Registry
	directory  *rooms.Directory
	dispatcher *bridge.Dispatcher
	client     *matrix.Client
	appservice *matrix.AppService
	sipServer  gosip.Server
	sip        *siptrunk.Module
	pstream    *pstream.Module
}

// openStore opens the configured link store.
func openStore(settings *Settings, secrets *Secrets, log *Loggers) (rooms.Store, error) {
	if settings.DatabaseType() != "redis" {
		return rooms.NewMemoryStore(), nil
	}
	store, err := rooms.NewRedisStore(rooms.RedisConfig{
		Addr:     settings.RedisAddress(),
		Password: secrets.RedisPassword,
		DB:       settings.RedisDB(),
		Prefix:   settings.RedisPrefix(),
	}, log.Core)
	if err != nil {
		return nil, fmt.Errorf("open redis store: %w", err)
	}
	return store, nil
}

// newModules creates the telephony backends. srv may be nil when no call is
// placed, as in the link commands.
func newModules(settings *Settings, srv siptrunk.Transport, host string, logs *Loggers) (*telephony.Registry, *siptrunk.Module, *pstream.Module) {
	reg := telephony.NewRegistry(settings.Modules()...)
	sipModule := siptrunk.New(srv, siptrunk.Config{
		Host:       host,
		Trunk:      settings.SIPTrunk(),
		DialPrefix: settings.DialPrefix(),
	}, logs.SIP)
	pstreamModule := pstream.New(pstream.Config{
		URL:         settings.PstreamURL(),
		APIURL:      settings.PstreamAPIURL(),
		DialTimeout: settings.PstreamDialTimeout(),
		RingTimeout: settings.PstreamRingTimeout(),
	}, logs.Pstream)
	reg.Register(sipModule)
	reg.Register(pstreamModule)
	return reg, sipModule, pstreamModule
}

func namespace(settings *Settings) matrix.Namespace {
	return matrix.Namespace{Prefix: settings.UserPrefix(), Server: settings.Domain()}
}

// appTokens picks the application service tokens. The environment wins over
// the registration file.
func appTokens(secrets *Secrets, reg *matrix.Registration) (asToken, hsToken string, err error) {
	asToken, hsToken = secrets.ASToken, secrets.HSToken
	if reg != nil {
		if asToken == "" {
			asToken = reg.ASToken
		}
		if hsToken == "" {
			hsToken = reg.HSToken
		}
	}
	if asToken == "" || hsToken == "" {
		return "", "", errors.New("application service tokens are not set")
	}
	return asToken, hsToken, nil
}

// NewGateway builds every component. Nothing listens until Start.
func NewGateway(settings *Settings, secrets *Secrets, reg *matrix.Registration, logs *Loggers) (*Gateway, error) {
	asToken, hsToken, err := appTokens(secrets, reg)
	if err != nil {
		return nil, err
	}

	host, err := sipHost(settings.PublicAddress())
	if err != nil {
		return nil, fmt.Errorf("sip host: %w", err)
	}
	sipServer := gosip.NewServer(
		gosip.ServerConfig{Host: host, UserAgent: "pstnbridge"},
		nil, nil,
		gosiplog.NewLogrusLogger(logs.SIP, "SIP", nil),
	)

	store, err := openStore(settings, secrets, logs)
	if err != nil {
		return nil, err
	}

	ns := namespace(settings)
	client := matrix.NewClient(settings.HomeserverURL(), asToken, ns, logs.HTTP)
	modules, sipModule, pstreamModule := newModules(settings, sipServer, host, logs)
	directory := rooms.NewDirectory(store, modules, client, logs.Engine)

	validator, err := signalling.NewValidator(settings.Revision())
	if err != nil {
		return nil, fmt.Errorf("signalling schemas: %w", err)
	}
	dispatcher := bridge.NewDispatcher(bridge.Config{
		Version:        settings.CallVersion(),
		InviteLifetime: settings.InviteLifetime(),
		QueueSize:      settings.QueueSize(),
	}, validator, call.NewRegistry(), directory, directory, logs.Engine)

	if err := sipModule.Serve(dispatcher, directory); err != nil {
		return nil, err
	}
	pstreamModule.Serve(dispatcher, directory)

	return &Gateway{
		settings:   settings,
		logs:       logs,
		store:      store,
		modules:    modules,
		directory:  directory,
		dispatcher: dispatcher,
		client:     client,
		appservice: matrix.NewAppService(hsToken, ns, dispatcher, client, logs.HTTP),
		sipServer:  sipServer,
		sip:        sipModule,
		pstream:    pstreamModule,
	}, nil
}

// seed applies the links and bridged rooms declared in settings.ini.
func (g *Gateway) seed(ctx context.Context) error {
	for _, l := range g.settings.Links() {
		if _, err := g.directory.Link(ctx, l.Control, rooms.ControlConfig{Number: l.Number, Module: l.Module, Data: l.Data}); err != nil {
			return fmt.Errorf("link %s: %w", l.Name, err)
		}
	}
	for _, r := range g.settings.Rooms() {
		if err := g.directory.Bridge(ctx, r.Room, r.Control, r.Remote); err != nil {
			return fmt.Errorf("room %s: %w", r.Name, err)
		}
	}
	return nil
}

func (g *Gateway) router() http.Handler {
	r := matrix.NewRouter(g.logs.HTTP)
	g.appservice.Mount(r)
	if g.modules.Get(pstream.Name) != nil {
		g.pstream.Mount(r)
	}
	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(g.dispatcher.Stats())
	})
	return r
}

// listenSIP binds the first free UDP port of the configured range.
func (g *Gateway) listenSIP() error {
	port := g.settings.SIPPort()
	var listenErr error
	for i := 0; i <= g.settings.SIPPortRange(); i++ {
		addr := fmt.Sprintf(":%d", port+i)
		listenErr = g.sipServer.Listen("udp", addr)
		if listenErr == nil {
			g.logs.Core.Infof("SIP server listening on %s/udp", addr)
			return nil
		}
		g.logs.Core.Warnf("failed to listen on %s: %v", addr, listenErr)
	}
	return fmt.Errorf("sip listen: %w", listenErr)
}

// Start runs the gateway until ctx is cancelled, then hangs up every live
// call and drains the outbox before returning.
func (g *Gateway) Start(ctx context.Context) error {
	defer g.store.Close()

	if err := g.seed(ctx); err != nil {
		return err
	}
	if g.modules.Get(siptrunk.Name) != nil {
		if err := g.listenSIP(); err != nil {
			return err
		}
	}
	g.logs.Core.Infof("telephony modules: %v", g.modules.Names())

	srv := &http.Server{
		Addr:              g.settings.ListenAddress(),
		Handler:           g.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// The outbox worker outlives ctx so hangups sent during shutdown are
	// still delivered.
	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return g.dispatcher.Run(runCtx, g.client)
	})
	group.Go(func() error {
		g.logs.Core.Infof("application service listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http listen: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		g.logs.Core.Info("performing a graceful shutdown...")
		timeout := g.settings.ShutdownTimeout()
		time.AfterFunc(timeout, stopRun)

		sctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		err := srv.Shutdown(sctx)
		g.dispatcher.Shutdown(sctx)
		g.sipServer.Shutdown()
		return err
	})
	return group.Wait()
}
