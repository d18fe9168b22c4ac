package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"pricecore/internal/cache"
	"pricecore/internal/egress"
	"pricecore/internal/metrics"
	"pricecore/logger"
	"pricecore/models"
)

type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type tickerEvent struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Close     string `json:"c"`
	Volume    string `json:"v"`
}

type subscribeReply struct {
	ID     *int64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"error"`
}

// StreamClient holds one websocket subscribed to <symbol>@ticker streams.
// Every decoded tick is written to the cache before OnTick sees it.
type StreamClient struct {
	url              string
	cache            *cache.PriceCache
	handshakeTimeout time.Duration

	// OnTick is invoked after the cache write. Optional.
	OnTick func(models.Tick)

	mu     sync.Mutex
	conn   *websocket.Conn
	nextID int64

	log *logger.Log
}

func NewStreamClient(wsURL string, c *cache.PriceCache, handshakeTimeout time.Duration) *StreamClient {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	return &StreamClient{
		url:              wsURL,
		cache:            c,
		handshakeTimeout: handshakeTimeout,
		log:              logger.GetLogger(),
	}
}

// Connect dials the stream through route, subscribes to symbols and waits
// for the subscription ack.
func (s *StreamClient) Connect(ctx context.Context, route egress.Route, symbols []string) error {
	log := s.log.WithComponent("binance_stream").WithFields(logger.Fields{"route": route.String(), "symbols": symbols})

	dial, err := route.DialContext()
	if err != nil {
		return err
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: s.handshakeTimeout,
		Proxy:            route.HTTPProxy(),
		NetDialContext:   dial,
	}

	conn, resp, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		if resp != nil {
			return egress.FromStatus(resp.StatusCode, fmt.Errorf("websocket dial: %w", err))
		}
		return fmt.Errorf("websocket dial: %w", err)
	}

	params := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		params = append(params, strings.ToLower(models.NormalizeSymbol(sym))+"@ticker")
	}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	sub := map[string]interface{}{"method": "SUBSCRIBE", "params": params, "id": id}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	if err := s.awaitAck(conn, id); err != nil {
		conn.Close()
		return err
	}

	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = conn
	s.mu.Unlock()

	log.Info("stream connected")
	return nil
}

func (s *StreamClient) awaitAck(conn *websocket.Conn, id int64) error {
	_ = conn.SetReadDeadline(time.Now().Add(s.handshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("waiting for subscription ack: %w", err)
		}
		var reply subscribeReply
		if err := json.Unmarshal(msg, &reply); err == nil && reply.ID != nil {
			if *reply.ID != id {
				continue
			}
			if reply.Error != nil {
				return fmt.Errorf("subscription rejected: %d %s", reply.Error.Code, reply.Error.Msg)
			}
			return nil
		}
		// ticks may arrive before the ack
		s.handleMessage(msg)
	}
}

// Listen reads messages until the connection fails, Disconnect is called or
// ctx is cancelled.
func (s *StreamClient) Listen(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("stream read: %w", err)
		}
		s.handleMessage(msg)
	}
}

func (s *StreamClient) handleMessage(msg []byte) {
	tick, ok, err := decodeTick(msg)
	if err != nil {
		metrics.IncrementMalformed()
		s.log.WithComponent("binance_stream").WithError(err).Debug("failed to decode message")
		return
	}
	if !ok {
		return
	}
	s.cache.Update(tick.Sample())
	metrics.IncrementTick(tick.Symbol)
	if s.OnTick != nil {
		s.OnTick(tick)
	}
}

// decodeTick decodes raw and combined-stream 24hr ticker payloads. ok is
// false for control messages that are not ticks.
func decodeTick(msg []byte) (models.Tick, bool, error) {
	var env streamEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return models.Tick{}, false, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	payload := json.RawMessage(msg)
	if len(env.Data) > 0 {
		payload = env.Data
	}

	var evt tickerEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return models.Tick{}, false, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if evt.Event == "" {
		var reply subscribeReply
		if json.Unmarshal(payload, &reply) == nil && reply.ID != nil {
			return models.Tick{}, false, nil
		}
		return models.Tick{}, false, fmt.Errorf("%w: missing event type", ErrMalformedPayload)
	}
	if evt.Event != "24hrTicker" {
		return models.Tick{}, false, nil
	}

	price, err := decimal.NewFromString(evt.Close)
	if err != nil || !price.IsPositive() {
		return models.Tick{}, false, fmt.Errorf("%w: price %q", ErrMalformedPayload, evt.Close)
	}
	symbol := models.NormalizeSymbol(evt.Symbol)
	if symbol == "" {
		return models.Tick{}, false, fmt.Errorf("%w: missing symbol", ErrMalformedPayload)
	}
	volume, err := decimal.NewFromString(evt.Volume)
	if err != nil {
		volume = decimal.Zero
	}
	return models.Tick{
		Symbol:      symbol,
		Price:       price,
		Volume:      volume,
		EventTimeMs: evt.EventTime,
	}, true, nil
}

// Disconnect closes the socket; a blocked Listen returns with an error.
func (s *StreamClient) Disconnect() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return conn.Close()
}

