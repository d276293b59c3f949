package realtime

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/empire/go/internal/models"
	"github.com/rs/zerolog/log"
)

// WebSocketFeedConfig holds configuration for the websocket push channel
type WebSocketFeedConfig struct {
	URL              string // e.g. ws://localhost:8090/realtime
	Codec            string // json or msgpack
	Header           http.Header
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration // extended on every frame and pong
	ReconnectWait    time.Duration
	MaxMessageSize   int64
}

// DefaultWebSocketFeedConfig returns default websocket feed configuration
func DefaultWebSocketFeedConfig() WebSocketFeedConfig {
	return WebSocketFeedConfig{
		URL:              "ws://localhost:8090/realtime",
		Codec:            "json",
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      75 * time.Second,
		ReconnectWait:    2 * time.Second,
		MaxMessageSize:   64 * 1024,
	}
}

// WebSocketFeed subscribes to per-user change frames over a websocket
type WebSocketFeed struct {
	config WebSocketFeedConfig
	codec  Codec
	dialer *websocket.Dialer
	clock  clockwork.Clock
}

// NewWebSocketFeed validates the config and creates a feed
func NewWebSocketFeed(config WebSocketFeedConfig, clock clockwork.Clock) (*WebSocketFeed, error) {
	codec, err := CodecByName(config.Codec)
	if err != nil {
		return nil, err
	}
	if _, err := url.Parse(config.URL); err != nil {
		return nil, fmt.Errorf("invalid realtime url: %w", err)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &WebSocketFeed{
		config: config,
		codec:  codec,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
		},
		clock: clock,
	}, nil
}

func (f *WebSocketFeed) endpoint(userID uuid.UUID) string {
	u, _ := url.Parse(f.config.URL)
	q := u.Query()
	q.Set("user_id", userID.String())
	q.Set("codec", f.codec.Name())
	u.RawQuery = q.Encode()
	return u.String()
}

// Subscribe dials the channel, returning the dial error if the first attempt fails.
// Later drops are redialed after ReconnectWait until unsubscribe is called.
func (f *WebSocketFeed) Subscribe(ctx context.Context, userID uuid.UUID, onEvent func(models.ChangeEvent)) (func(), error) {
	conn, err := f.dial(ctx, userID)
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	s := &wsSubscription{feed: f, userID: userID, onEvent: onEvent, conn: conn}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.run(subCtx)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			s.close()
			wg.Wait()
		})
	}, nil
}

func (f *WebSocketFeed) dial(ctx context.Context, userID uuid.UUID) (*websocket.Conn, error) {
	conn, resp, err := f.dialer.DialContext(ctx, f.endpoint(userID), f.config.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial realtime channel: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial realtime channel: %w", err)
	}
	if f.config.MaxMessageSize > 0 {
		conn.SetReadLimit(f.config.MaxMessageSize)
	}
	return conn, nil
}

type wsSubscription struct {
	feed    *WebSocketFeed
	userID  uuid.UUID
	onEvent func(models.ChangeEvent)

	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSubscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.conn.Close()
	}
}

func (s *wsSubscription) current() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *wsSubscription) run(ctx context.Context) {
	for {
		s.readPump(ctx, s.current())
		if ctx.Err() != nil {
			return
		}

		log.Warn().
			Str("user_id", s.userID.String()).
			Dur("reconnect_wait", s.feed.config.ReconnectWait).
			Msg("realtime channel dropped, reconnecting")

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.feed.clock.After(s.feed.config.ReconnectWait):
			}

			conn, err := s.feed.dial(ctx, s.userID)
			if err != nil {
				log.Error().Err(err).Str("user_id", s.userID.String()).Msg("realtime reconnect failed")
				continue
			}

			s.mu.Lock()
			if ctx.Err() != nil {
				s.mu.Unlock()
				conn.Close()
				return
			}
			s.conn = conn
			s.mu.Unlock()

			log.Info().Str("user_id", s.userID.String()).Msg("realtime channel reconnected")
			break
		}
	}
}

func (s *wsSubscription) readPump(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	timeout := s.feed.config.ReadTimeout
	if timeout > 0 {
		conn.SetReadDeadline(time.Now().Add(timeout))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(timeout))
			return nil
		})
		conn.SetPingHandler(func(data string) error {
			conn.SetReadDeadline(time.Now().Add(timeout))
			return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		})
	}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Error().Err(err).Str("user_id", s.userID.String()).Msg("unexpected realtime close")
			}
			return
		}
		if timeout > 0 {
			conn.SetReadDeadline(time.Now().Add(timeout))
		}

		frame, err := DecodeFrame(s.feed.codec, message)
		if err != nil {
			log.Warn().Err(err).Str("user_id", s.userID.String()).Msg("dropping undecodable frame")
			continue
		}
		if frame.Type != FrameChange || frame.Event == nil {
			continue
		}
		s.onEvent(*frame.Event)
	}
}
