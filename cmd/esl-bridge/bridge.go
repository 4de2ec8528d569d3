package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ucaas/esl-bridge/internal/config"
	"github.com/ucaas/esl-bridge/internal/esl"
	"github.com/ucaas/esl-bridge/internal/hub"
	"github.com/ucaas/esl-bridge/internal/publisher"
	"github.com/ucaas/esl-bridge/internal/router"
	"github.com/ucaas/esl-bridge/internal/sink"
	"github.com/ucaas/esl-bridge/internal/store"
	"github.com/ucaas/esl-bridge/internal/supervisor"
)

const shutdownTimeout = 10 * time.Second

// reasonReconnect tags the registration reset run after every subscribe.
const reasonReconnect = "reconnect"

// bridge owns every long-lived component of the daemon.
type bridge struct {
	cfg        *config.Config
	log        zerolog.Logger
	store      *store.Store
	hub        *hub.Hub
	pub        publisher.Publisher
	dispatcher *sink.Dispatcher
	router     *router.Router
	supervisor *supervisor.Supervisor
}

// newBridge wires the pipeline: supervisor → router → dispatcher → fanout
// (store, hub, optional MQTT). pub may be nil. The bridge takes ownership
// of pub.
func newBridge(cfg *config.Config, log zerolog.Logger, pub publisher.Publisher) (*bridge, error) {
	st, err := store.Open(store.Config{Path: cfg.Store.Path, Logger: log})
	if err != nil {
		return nil, err
	}

	h := hub.New(hub.Options{
		WriteTimeout: cfg.HTTP.WriteTimeout,
		PingPeriod:   cfg.HTTP.PingPeriod,
		ClientBuffer: cfg.HTTP.ClientBuffer,
		Logger:       log,
	})

	broadcasters := []sink.Broadcaster{h}
	if pub != nil {
		broadcasters = append(broadcasters, publisher.NewBroadcaster(pub, cfg.MQTT.TopicPrefix))
	}
	dispatcher := sink.NewDispatcher(sink.NewFanout(st, broadcasters...), sink.Options{
		QueueSize: cfg.Dispatch.QueueSize,
		Logger:    log,
	})

	rt := router.New(dispatcher, dispatcher, router.WithLogger(log.With().Str("component", "router").Logger()))

	opts := esl.Options{
		Host:           cfg.FreeSWITCH.Host,
		Port:           cfg.FreeSWITCH.Port,
		Password:       cfg.FreeSWITCH.Password,
		ConnectTimeout: cfg.FreeSWITCH.ConnectTimeout,
		AuthTimeout:    cfg.FreeSWITCH.AuthTimeout,
		ReadTimeout:    cfg.FreeSWITCH.ReadTimeout,
		WriteTimeout:   cfg.FreeSWITCH.AuthTimeout,
	}
	connect := func(ctx context.Context) (supervisor.Session, error) {
		log.Info().Str("addr", opts.Addr()).Msg("connecting to FreeSWITCH")
		conn, err := esl.Dial(ctx, opts)
		if err != nil {
			return nil, err
		}
		log.Info().Str("addr", opts.Addr()).Msg("authenticated")
		return conn, nil
	}

	supOpts := []supervisor.Option{
		supervisor.WithLogger(log.With().Str("component", "supervisor").Logger()),
		supervisor.WithEventMask(cfg.FreeSWITCH.EventMask),
		supervisor.WithBackoff(supervisor.Backoff{
			Delay:      cfg.Reconnect.Delay,
			Max:        cfg.Reconnect.MaxDelay,
			Multiplier: cfg.Reconnect.Multiplier,
		}),
	}
	if cfg.Reconnect.Resync {
		// Queued behind anything still pending from the previous session.
		supOpts = append(supOpts, supervisor.WithResync(func(context.Context) error {
			return dispatcher.ResetRegistrations(reasonReconnect)
		}))
	}

	return &bridge{
		cfg:        cfg,
		log:        log,
		store:      st,
		hub:        h,
		pub:        pub,
		dispatcher: dispatcher,
		router:     rt,
		supervisor: supervisor.New(connect, rt, supOpts...),
	}, nil
}

// serve runs until ctx is canceled, then shuts everything down. A nil ln
// listens on the configured address.
func (b *bridge) serve(ctx context.Context, ln net.Listener) error {
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", b.cfg.HTTP.Addr)
		if err != nil {
			b.close()
			return fmt.Errorf("listening on %s: %w", b.cfg.HTTP.Addr, err)
		}
	}
	srv := &http.Server{
		Handler:           b.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	b.log.Info().Str("addr", ln.Addr().String()).Msg("http listening")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.supervisor.Run(gctx)
	})
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		b.hub.Close()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	b.close()
	return err
}

func (b *bridge) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := b.dispatcher.Close(ctx); err != nil {
		b.log.Warn().Err(err).Int("pending", b.dispatcher.Pending()).Msg("dispatch queue not drained")
	}
	b.hub.Close()
	if b.pub != nil {
		b.pub.Close()
	}
	if err := b.store.Close(); err != nil {
		b.log.Warn().Err(err).Msg("closing store")
	}
}

func (b *bridge) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(b.log))

	r.GET(b.cfg.HTTP.WSPath, b.hub.Handler())
	r.GET("/healthz", b.handleHealth)
	r.GET("/registrations", b.handleRegistrations)
	r.GET("/calls", b.handleCalls)
	return r
}

func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("http request")
	}
}

type healthResponse struct {
	State       string `json:"state"`
	Attempts    uint64 `json:"attempts"`
	Frames      uint64 `json:"frames"`
	Skipped     uint64 `json:"skipped_frames"`
	Events      uint64 `json:"events"`
	Dropped     uint64 `json:"dispatch_dropped"`
	Failed      uint64 `json:"dispatch_failed"`
	Pending     int    `json:"dispatch_pending"`
	Subscribers int    `json:"subscribers"`
	LastError   string `json:"last_error,omitempty"`
}

// handleHealth reports 200 only while events are flowing.
func (b *bridge) handleHealth(c *gin.Context) {
	state := b.supervisor.State()
	resp := healthResponse{
		State:       state.String(),
		Attempts:    b.supervisor.Attempts(),
		Frames:      b.supervisor.Frames(),
		Skipped:     b.supervisor.Skipped(),
		Events:      b.router.Total(),
		Dropped:     b.dispatcher.Dropped(),
		Failed:      b.dispatcher.Failed(),
		Pending:     b.dispatcher.Pending(),
		Subscribers: b.hub.Len(),
	}
	if err := b.supervisor.LastError(); err != nil {
		resp.LastError = err.Error()
	}
	status := http.StatusOK
	if state != supervisor.StateListening {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

func (b *bridge) handleRegistrations(c *gin.Context) {
	regs, err := b.store.Registrations(c.Request.Context())
	if err != nil {
		b.log.Error().Err(err).Msg("listing registrations")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registrations unavailable"})
		return
	}
	c.JSON(http.StatusOK, regs)
}

type callResponse struct {
	ID         string            `json:"id"`
	Kind       string            `json:"kind"`
	UniqueID   string            `json:"unique_id,omitempty"`
	ReceivedAt time.Time         `json:"received_at"`
	Fields     map[string]string `json:"fields"`
}

func (b *bridge) handleCalls(c *gin.Context) {
	records, err := b.store.CallRecords(c.Request.Context(), c.Query("kind"))
	if err != nil {
		b.log.Error().Err(err).Msg("listing call records")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "call records unavailable"})
		return
	}
	resp := make([]callResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, callResponse{
			ID:         rec.ID,
			Kind:       rec.Kind,
			UniqueID:   rec.UniqueID,
			ReceivedAt: rec.ReceivedAt.UTC(),
			Fields:     rec.Fields,
		})
	}
	c.JSON(http.StatusOK, resp)
}
