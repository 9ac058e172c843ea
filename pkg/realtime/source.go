package realtime

import (
	"context"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"convosync/pkg/logger"
	"convosync/pkg/models"
	"convosync/pkg/telemetry"
)

// WebsocketSource streams change events from the push endpoint over a
// websocket. It reconnects with exponential backoff plus jitter and keeps
// the connection alive with a heartbeat ping. There is no replay: events
// emitted while disconnected are gone, which is why the engine runs a
// foreground resync after reconnect.
type WebsocketSource struct {
	url       string
	token     string
	tenant    string
	heartbeat time.Duration
	minBack   time.Duration
	maxBack   time.Duration

	events chan models.ChangeEvent
	state  atomic.Int32

	mu     sync.Mutex
	hooks  []func(ConnState)
	cancel context.CancelFunc
	done   chan struct{}
}

// SourceOptions configure the websocket source.
type SourceOptions struct {
	URL       string
	Token     string
	Tenant    string
	Heartbeat time.Duration
	MinBackoff,
	MaxBackoff time.Duration
}

// NewWebsocketSource returns an unstarted source.
func NewWebsocketSource(opts SourceOptions) *WebsocketSource {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 30 * time.Second
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	s := &WebsocketSource{
		url:       opts.URL,
		token:     opts.Token,
		tenant:    opts.Tenant,
		heartbeat: opts.Heartbeat,
		minBack:   opts.MinBackoff,
		maxBack:   opts.MaxBackoff,
		events:    make(chan models.ChangeEvent, 256),
	}
	s.state.Store(int32(StateInitializing))
	return s
}

// Events returns the change event stream.
func (s *WebsocketSource) Events() <-chan models.ChangeEvent { return s.events }

// State returns the current connection state.
func (s *WebsocketSource) State() ConnState { return ConnState(s.state.Load()) }

// OnStateChange registers a hook fired on every state transition.
func (s *WebsocketSource) OnStateChange(fn func(ConnState)) {
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

func (s *WebsocketSource) setState(st ConnState) {
	if ConnState(s.state.Swap(int32(st))) == st {
		return
	}
	logger.Info("realtime_state_changed", "state", st.String())
	s.mu.Lock()
	hooks := append([]func(ConnState){}, s.hooks...)
	s.mu.Unlock()
	for _, fn := range hooks {
		fn(st)
	}
}

// Start launches the connect/read loop. Returns immediately; connection
// failures surface as state transitions, never as Start errors.
func (s *WebsocketSource) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()
	go s.run(ctx)
	return nil
}

// Stop tears the connection down and waits for the loop to exit.
func (s *WebsocketSource) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	s.setState(StateDisconnected)
}

func (s *WebsocketSource) run(ctx context.Context) {
	defer close(s.done)
	backoff := s.minBack
	for ctx.Err() == nil {
		s.setState(StateConnecting)
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.setState(StateError)
			logger.Warn("realtime_connection_lost", "error", err.Error())
		} else {
			s.setState(StateDisconnected)
		}
		telemetry.RealtimeReconnects.Inc()
		// full jitter keeps reconnect storms spread out
		wait := backoff/2 + time.Duration(rand.Int63n(int64(backoff/2)+1))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		backoff *= 2
		if backoff > s.maxBack {
			backoff = s.maxBack
		}
	}
}

func (s *WebsocketSource) connectAndRead(ctx context.Context) error {
	hdr := http.Header{}
	if s.token != "" {
		hdr.Set("Authorization", "Bearer "+s.token)
	}
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := websocket.Dial(dialCtx, s.url, &websocket.DialOptions{HTTPHeader: hdr})
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutting down")
	conn.SetReadLimit(1 << 20)

	if s.tenant != "" {
		sub := map[string]string{"action": "subscribe", "tenant_id": s.tenant}
		if err := wsjson.Write(ctx, conn, sub); err != nil {
			return err
		}
	}
	s.setState(StateConnected)

	readCtx, stopRead := context.WithCancel(ctx)
	defer stopRead()
	go s.heartbeatLoop(readCtx, conn, stopRead)

	for {
		var e models.ChangeEvent
		if err := wsjson.Read(readCtx, conn, &e); err != nil {
			return err
		}
		select {
		case s.events <- e:
		case <-readCtx.Done():
			return readCtx.Err()
		}
	}
}

// heartbeatLoop pings on an interval; a failed ping kills the read loop so
// the outer run loop reconnects instead of hanging on a dead TCP session.
func (s *WebsocketSource) heartbeatLoop(ctx context.Context, conn *websocket.Conn, kill context.CancelFunc) {
	t := time.NewTicker(s.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				logger.Warn("realtime_heartbeat_failed", "error", err.Error())
				kill()
				return
			}
		}
	}
}
