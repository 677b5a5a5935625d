package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"market-price-router/internal/model"
)

// Phase is the connection-level state of the stream client. There is exactly
// one authoritative phase variable per client; any fault returns it to
// PhaseDisconnected before a reconnect attempt.
type Phase int32

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseAuthenticatingApp
	PhaseAuthenticatingAccount
	PhaseResolvingSymbols
	PhaseSubscribing
	PhaseStreaming
)

func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnecting:
		return "connecting"
	case PhaseAuthenticatingApp:
		return "authenticating_app"
	case PhaseAuthenticatingAccount:
		return "authenticating_account"
	case PhaseResolvingSymbols:
		return "resolving_symbols"
	case PhaseSubscribing:
		return "subscribing"
	case PhaseStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// SubscriptionState tracks one symbol's subscription lifecycle within a
// connection. A reconnect resets every symbol to SubUnsubscribed.
type SubscriptionState int

const (
	SubUnsubscribed SubscriptionState = iota
	SubPending
	SubSubscribed
	SubFailed
)

func (s SubscriptionState) String() string {
	switch s {
	case SubUnsubscribed:
		return "unsubscribed"
	case SubPending:
		return "pending"
	case SubSubscribed:
		return "subscribed"
	case SubFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config holds the immutable inputs of one gateway connection.
type Config struct {
	WSURL        string
	ClientID     string
	ClientSecret string
	AccessToken  string
	AccountID    int64
	Symbols      []string

	// StepTimeout bounds each handshake request/response exchange.
	StepTimeout time.Duration
	// ReadTimeout bounds a single blocking read while streaming.
	ReadTimeout time.Duration
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration
	// ReconnectMax caps the exponential backoff between connection attempts.
	ReconnectMax time.Duration
	// HandshakeTimeout bounds the WebSocket dial itself.
	HandshakeTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.StepTimeout <= 0 {
		c.StepTimeout = 15 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 60 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
}

var errNotConnected = errors.New("gateway not connected")

// StreamClient maintains one persistent connection to the market-data
// gateway: it authenticates in two steps, resolves symbol names to protocol
// IDs, subscribes to spot quotes, and feeds the live price cache from the
// inbound tick stream. It is the sole writer of the cache; readers go
// through the price router.
type StreamClient struct {
	cfg    Config
	log    *zap.Logger
	dialer *websocket.Dialer
	cache  *LivePriceCache

	writeMu sync.Mutex
	msgSeq  atomic.Int64

	mu        sync.RWMutex
	conn      *websocket.Conn
	phase     Phase
	registry  map[string]int64 // symbol name -> protocol ID, rebuilt per connection
	idToName  map[int64]string
	subs      map[string]SubscriptionState
	subReason map[string]model.Reason
}

// NewStreamClient creates a client for the configured symbol allow-list.
// Run must be called to establish the connection.
func NewStreamClient(cfg Config, cache *LivePriceCache, log *zap.Logger) *StreamClient {
	cfg.applyDefaults()
	s := &StreamClient{
		cfg:       cfg,
		log:       log,
		dialer:    &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		cache:     cache,
		registry:  make(map[string]int64),
		idToName:  make(map[int64]string),
		subs:      make(map[string]SubscriptionState, len(cfg.Symbols)),
		subReason: make(map[string]model.Reason),
	}
	for _, sym := range cfg.Symbols {
		s.subs[strings.ToUpper(sym)] = SubUnsubscribed
	}
	return s
}

// Run drives the connect/auth/resolve/subscribe/stream cycle until ctx is
// canceled, reconnecting with capped exponential backoff after any
// connection-level fault. It returns ctx.Err() on shutdown.
func (s *StreamClient) Run(ctx context.Context) error {
	retry := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		streamed, err := s.session(ctx)
		s.reset()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if streamed {
			retry = 0
		}

		delay := s.reconnectWait(retry)
		retry++
		s.log.Warn("gateway session ended",
			zap.Error(err),
			zap.Duration("reconnect_in", delay),
			zap.Int("attempt", retry),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// session runs one full connection lifecycle. The returned bool reports
// whether the streaming phase was reached, which resets the backoff.
func (s *StreamClient) session(ctx context.Context) (bool, error) {
	if err := s.connect(ctx); err != nil {
		return false, err
	}

	// Unblock any pending read promptly on shutdown.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.closeConn()
		case <-done:
		}
	}()
	defer s.closeConn()

	if err := s.handshake(ctx); err != nil {
		return false, err
	}

	s.setPhase(PhaseStreaming)
	s.log.Info("gateway streaming", zap.Int("symbols", len(s.cfg.Symbols)))
	return true, s.readLoop(ctx)
}

func (s *StreamClient) connect(ctx context.Context) error {
	s.setPhase(PhaseConnecting)
	s.log.Info("connecting to gateway", zap.String("url", s.cfg.WSURL))

	conn, _, err := s.dialer.DialContext(ctx, s.cfg.WSURL, nil)
	if err != nil {
		s.setPhase(PhaseDisconnected)
		return fmt.Errorf("%s: %w", classifyDialError(err), err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return nil
}

// classifyDialError names the transport-level failure mode so reconnect logs
// distinguish DNS trouble from blocked TCP from slow TLS/upgrade handshakes.
func classifyDialError(err error) string {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns_error"
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return "handshake_timeout"
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return "tcp_blocked"
	}
	return "connect_failed"
}

// handshake performs the two-step authentication, resolves the symbol
// catalog, and issues spot subscriptions. Any failure here is fatal for the
// whole connection attempt.
func (s *StreamClient) handshake(ctx context.Context) error {
	s.setPhase(PhaseAuthenticatingApp)
	auth := appAuthReq{ClientID: s.cfg.ClientID, ClientSecret: s.cfg.ClientSecret}
	if err := s.request(payloadTypeAppAuthReq, auth, payloadTypeAppAuthRes, nil); err != nil {
		return fmt.Errorf("application auth: %w", err)
	}
	s.log.Info("application authenticated")

	s.setPhase(PhaseAuthenticatingAccount)
	acc := accountAuthReq{AccountID: s.cfg.AccountID, AccessToken: s.cfg.AccessToken}
	if err := s.request(payloadTypeAccountAuthReq, acc, payloadTypeAccountAuthRes, nil); err != nil {
		return fmt.Errorf("account auth: %w", err)
	}
	s.log.Info("account authenticated", zap.Int64("account_id", s.cfg.AccountID))

	s.setPhase(PhaseResolvingSymbols)
	var list symbolsListRes
	if err := s.request(payloadTypeSymbolsListReq, symbolsListReq{AccountID: s.cfg.AccountID}, payloadTypeSymbolsListRes, &list); err != nil {
		return fmt.Errorf("symbols list: %w", err)
	}
	s.buildRegistry(list)

	s.setPhase(PhaseSubscribing)
	return s.subscribeAll()
}

func (s *StreamClient) buildRegistry(list symbolsListRes) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry = make(map[string]int64, len(list.Symbol))
	s.idToName = make(map[int64]string, len(list.Symbol))
	for _, sym := range list.Symbol {
		name := strings.ToUpper(sym.SymbolName)
		s.registry[name] = sym.SymbolID
		s.idToName[sym.SymbolID] = name
	}
	s.log.Info("symbol catalog resolved", zap.Int("symbols", len(s.registry)))
}

// subscribeAll sends one subscribe request per resolved symbol. A name
// missing from the catalog marks only that symbol failed; the rest proceed.
// Only a transport error aborts the connection attempt.
func (s *StreamClient) subscribeAll() error {
	requested := 0
	for _, name := range s.cfg.Symbols {
		sym := strings.ToUpper(name)
		id, ok := s.symbolID(sym)
		if !ok {
			s.setSubState(sym, SubFailed, model.ReasonSymbolUnresolved)
			s.log.Warn("symbol not in gateway catalog", zap.String("symbol", sym))
			continue
		}
		req := subscribeSpotsReq{AccountID: s.cfg.AccountID, SymbolID: []int64{id}}
		if err := s.send(payloadTypeSubscribeSpotsReq, req); err != nil {
			return fmt.Errorf("subscribe %s: %w", sym, err)
		}
		s.setSubState(sym, SubPending, model.ReasonNone)
		requested++
	}
	s.log.Info("spot subscriptions requested",
		zap.Int("requested", requested),
		zap.Int("configured", len(s.cfg.Symbols)),
	)
	return nil
}

// readLoop consumes inbound messages until the connection breaks or ctx is
// canceled. Malformed or unknown messages are skipped, never fatal.
func (s *StreamClient) readLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		env, err := s.readEnvelope(time.Now().Add(s.cfg.ReadTimeout))
		if err != nil {
			return err
		}
		if env == nil {
			continue
		}
		switch env.PayloadType {
		case payloadTypeSpotEvent:
			s.applySpot(env.Payload)
		case payloadTypeErrorRes:
			s.handleGatewayError(env.Payload)
		case payloadTypeHeartbeat:
			s.sendHeartbeat()
		case payloadTypeSubscribeSpotsRes:
			// Ack only; a symbol flips to subscribed on its first tick.
		default:
			s.log.Debug("unhandled gateway message", zap.Int("payload_type", env.PayloadType))
		}
	}
}

// applySpot updates the cache with one tick. Ticks arrive in order on the
// single read loop and the cache keeps only the latest value, so no
// reordering buffer is needed. Partial ticks (bid-only or ask-only) merge
// inside the cache.
func (s *StreamClient) applySpot(raw json.RawMessage) {
	var ev spotEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		s.log.Warn("malformed spot event", zap.Error(err))
		return
	}
	name, ok := s.symbolName(ev.SymbolID)
	if !ok {
		return
	}
	bid := float64(ev.Bid) / priceScale
	ask := float64(ev.Ask) / priceScale
	s.cache.Put(name, bid, ask, time.Now())
	s.markSubscribed(name)
}

// handleGatewayError marks the referenced symbol failed without tearing the
// connection down. Errors that reference no symbol are only logged.
func (s *StreamClient) handleGatewayError(raw json.RawMessage) {
	var gwErr errorRes
	if err := json.Unmarshal(raw, &gwErr); err != nil {
		s.log.Warn("malformed gateway error", zap.Error(err))
		return
	}
	if name, ok := s.symbolName(gwErr.SymbolID); ok {
		reason := model.ReasonClientError
		if strings.Contains(gwErr.ErrorCode, "NOT_FOUND") || strings.Contains(gwErr.ErrorCode, "UNKNOWN") {
			reason = model.ReasonSymbolUnresolved
		}
		if s.failSymbol(name, reason) {
			s.log.Warn("subscription rejected",
				zap.String("symbol", name),
				zap.String("error_code", gwErr.ErrorCode),
				zap.String("description", gwErr.Description),
			)
		}
		return
	}
	s.log.Warn("gateway error",
		zap.String("error_code", gwErr.ErrorCode),
		zap.String("description", gwErr.Description),
	)
}

// request sends one message and reads until the expected response arrives,
// the gateway reports an error, or the step timeout elapses. Unrelated
// messages received meanwhile (heartbeats, early ticks) are handled in
// place.
func (s *StreamClient) request(reqType int, payload any, wantType int, out any) error {
	msgID := strconv.FormatInt(s.msgSeq.Add(1), 10)
	if err := s.sendWithID(msgID, reqType, payload); err != nil {
		return err
	}
	deadline := time.Now().Add(s.cfg.StepTimeout)
	for {
		env, err := s.readEnvelope(deadline)
		if err != nil {
			return err
		}
		if env == nil {
			continue
		}
		switch env.PayloadType {
		case wantType:
			if out != nil {
				if err := json.Unmarshal(env.Payload, out); err != nil {
					return fmt.Errorf("decode payload type %d: %w", wantType, err)
				}
			}
			return nil
		case payloadTypeErrorRes:
			var gwErr errorRes
			_ = json.Unmarshal(env.Payload, &gwErr)
			return fmt.Errorf("gateway error %s: %s", gwErr.ErrorCode, gwErr.Description)
		case payloadTypeHeartbeat:
			s.sendHeartbeat()
		case payloadTypeSpotEvent:
			s.applySpot(env.Payload)
		default:
			// Unrelated message during a handshake step.
		}
	}
}

func (s *StreamClient) send(payloadType int, payload any) error {
	return s.sendWithID(strconv.FormatInt(s.msgSeq.Add(1), 10), payloadType, payload)
}

func (s *StreamClient) sendWithID(msgID string, payloadType int, payload any) error {
	data, err := marshalEnvelope(msgID, payloadType, payload)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn := s.currentConn()
	if conn == nil {
		return errNotConnected
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *StreamClient) sendHeartbeat() {
	if err := s.send(payloadTypeHeartbeat, nil); err != nil {
		s.log.Warn("heartbeat send failed", zap.Error(err))
	}
}

// readEnvelope blocks for one frame. A transport failure is returned as an
// error; an unparseable frame is logged and returned as (nil, nil) so the
// caller skips it.
func (s *StreamClient) readEnvelope(deadline time.Time) (*envelope, error) {
	conn := s.currentConn()
	if conn == nil {
		return nil, errNotConnected
	}
	_ = conn.SetReadDeadline(deadline)
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.log.Warn("malformed gateway frame", zap.Error(err))
		return nil, nil
	}
	return &env, nil
}

// reset returns the client to disconnected and clears all per-symbol state
// atomically: the registry is dropped and every symbol goes back to
// unsubscribed so the next session re-resolves and re-subscribes everything.
func (s *StreamClient) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = PhaseDisconnected
	s.registry = make(map[string]int64)
	s.idToName = make(map[int64]string)
	for sym := range s.subs {
		s.subs[sym] = SubUnsubscribed
	}
	s.subReason = make(map[string]model.Reason)
}

func (s *StreamClient) closeConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

func (s *StreamClient) currentConn() *websocket.Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

func (s *StreamClient) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// Phase returns the current connection phase, for diagnostics.
func (s *StreamClient) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// SubscriptionStatus returns the subscription state of one symbol and, for
// failed symbols, the failure reason.
func (s *StreamClient) SubscriptionStatus(symbol string) (SubscriptionState, model.Reason) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sym := strings.ToUpper(symbol)
	return s.subs[sym], s.subReason[sym]
}

func (s *StreamClient) symbolID(name string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.registry[name]
	return id, ok
}

func (s *StreamClient) symbolName(id int64) (string, bool) {
	if id == 0 {
		return "", false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.idToName[id]
	return name, ok
}

func (s *StreamClient) setSubState(symbol string, state SubscriptionState, reason model.Reason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[symbol] = state
	if reason == model.ReasonNone {
		delete(s.subReason, symbol)
	} else {
		s.subReason[symbol] = reason
	}
}

// markSubscribed flips pending to subscribed on the first accepted tick.
func (s *StreamClient) markSubscribed(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[symbol] == SubPending {
		s.subs[symbol] = SubSubscribed
	}
}

// failSymbol marks a symbol failed and reports whether this was the first
// time, so the caller logs the rejection exactly once.
func (s *StreamClient) failSymbol(symbol string, reason model.Reason) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[symbol] == SubFailed {
		return false
	}
	s.subs[symbol] = SubFailed
	s.subReason[symbol] = reason
	return true
}

// reconnectWait is the capped exponential backoff between attempts.
func (s *StreamClient) reconnectWait(retry int) time.Duration {
	const base = time.Second
	if retry < 0 {
		retry = 0
	}
	if retry > 30 {
		return s.cfg.ReconnectMax
	}
	d := base * time.Duration(1<<retry)
	if d > s.cfg.ReconnectMax {
		d = s.cfg.ReconnectMax
	}
	return d
}
