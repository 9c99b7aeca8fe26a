package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"hookAuction/internal/abidecode"
	"hookAuction/internal/filter"
	"hookAuction/internal/metrics"
	"hookAuction/internal/model"
)

// ErrReconnectExhausted is returned by Run once MaxReconnects consecutive
// attempts have failed.
var ErrReconnectExhausted = errors.New("feed reconnect attempts exhausted")

// State is the connection state of a Listener.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Config tunes the feed connection.
type Config struct {
	URL           string
	Header        http.Header
	DialTimeout   time.Duration
	ReadTimeout   time.Duration
	MaxReconnects int
	Backoff       time.Duration
	MaxBackoff    time.Duration
	QueueSize     int
}

func (c *Config) defaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = 10
	}
	if c.Backoff <= 0 {
		c.Backoff = 500 * time.Millisecond
	}
	if c.MaxBackoff < c.Backoff {
		c.MaxBackoff = 30 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
}

// Listener consumes the pre-confirmation feed and emits DetectedEvents for
// logs matching registered filters. Filters can be added and removed while
// Run is active.
type Listener struct {
	cfg     Config
	matcher *filter.Matcher
	events  chan model.DetectedEvent
	times   *lru.Cache
	state   atomic.Int32
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time

	closeOnce sync.Once
}

func NewListener(cfg Config, matcher *filter.Matcher, m *metrics.Metrics, logger *zap.Logger) (*Listener, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("feed url is required")
	}
	cfg.defaults()
	if matcher == nil {
		matcher = filter.NewMatcher()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	times, err := lru.New(256)
	if err != nil {
		return nil, err
	}
	return &Listener{
		cfg:     cfg,
		matcher: matcher,
		events:  make(chan model.DetectedEvent, cfg.QueueSize),
		times:   times,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Register watches f and decodes its logs with the given event ABI fragment.
func (l *Listener) Register(f model.EventFilter, eventABI string) (common.Hash, error) {
	event, err := abidecode.ParseEvent(eventABI)
	if err != nil {
		return common.Hash{}, err
	}
	hash := filter.Hash(f)
	if err := l.matcher.Register(filter.Registration{Hash: hash, Filter: f, Event: event, EventABI: eventABI}); err != nil {
		return common.Hash{}, err
	}
	l.logger.Info("filter registered", zap.String("filter_hash", hash.Hex()), zap.String("event", event.Name))
	return hash, nil
}

// Unregister stops watching a filter.
func (l *Listener) Unregister(hash common.Hash) bool {
	removed := l.matcher.Unregister(hash)
	if removed {
		l.logger.Info("filter unregistered", zap.String("filter_hash", hash.Hex()))
	}
	return removed
}

// Events is closed when Run returns.
func (l *Listener) Events() <-chan model.DetectedEvent { return l.events }

func (l *Listener) State() State { return State(l.state.Load()) }

func (l *Listener) setState(s State) {
	prev := State(l.state.Swap(int32(s)))
	if prev != s {
		l.logger.Debug("feed state", zap.String("from", prev.String()), zap.String("to", s.String()))
	}
}

// Run connects and consumes until ctx is cancelled, the server closes the
// connection normally, or reconnects are exhausted.
func (l *Listener) Run(ctx context.Context) error {
	defer l.closeOnce.Do(func() { close(l.events) })
	defer l.setState(StateDisconnected)

	attempt := 0
	for {
		l.setState(StateConnecting)
		conn, err := l.dial(ctx)
		if err == nil {
			l.setState(StateConnected)
			l.logger.Info("feed connected", zap.String("url", l.cfg.URL))
			var frames int
			frames, err = l.consume(ctx, conn)
			// A connection only counts as recovered once it delivered a
			// frame; accept-then-drop servers still exhaust the budget.
			if frames > 0 {
				attempt = 0
			}
		}
		l.setState(StateDisconnected)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			l.logger.Info("feed closed normally")
			return nil
		}

		attempt++
		if attempt > l.cfg.MaxReconnects {
			return fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, attempt-1, err)
		}
		delay := l.backoff(attempt)
		l.metrics.Reconnect()
		l.logger.Warn("feed disconnected, reconnecting",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Listener) backoff(attempt int) time.Duration {
	delay := l.cfg.Backoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= l.cfg.MaxBackoff {
			return l.cfg.MaxBackoff
		}
	}
	return delay
}

func (l *Listener) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: l.cfg.DialTimeout,
	}
	dialCtx, cancel := context.WithTimeout(ctx, l.cfg.DialTimeout)
	defer cancel()
	conn, resp, err := dialer.DialContext(dialCtx, l.cfg.URL, l.cfg.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial feed: %w", err)
	}
	return conn, nil
}

// consume reads until the connection fails and reports how many frames
// decoded cleanly.
func (l *Listener) consume(ctx context.Context, conn *websocket.Conn) (int, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-done:
			conn.Close()
		}
	}()

	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(l.cfg.ReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	frames := 0
	for {
		if err := conn.SetReadDeadline(time.Now().Add(l.cfg.ReadTimeout)); err != nil {
			return frames, err
		}
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			return frames, err
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		l.metrics.FrameReceived()
		if err := l.handlePayload(payload); err != nil {
			l.metrics.FrameFailed()
			l.logger.Warn("drop feed frame", zap.Error(err), zap.Int("bytes", len(payload)))
			continue
		}
		frames++
	}
}

func (l *Listener) handlePayload(payload []byte) error {
	data, codec, err := Decompress(payload)
	if err != nil {
		return err
	}
	frame, err := ParseFrame(data)
	if err != nil {
		return fmt.Errorf("%s frame: %w", codec, err)
	}
	l.HandleFrame(frame)
	return nil
}

// HandleFrame matches every log of the frame and queues detected events.
func (l *Listener) HandleFrame(frame *Frame) {
	block := frame.BlockNumber()
	if frame.Base != nil {
		l.times.Add(block, uint64(frame.Base.Timestamp))
	}
	if l.matcher.Len() == 0 {
		return
	}

	logs, errs := frame.Logs()
	for _, err := range errs {
		l.logger.Warn("skip receipt", zap.Uint64("block", block), zap.Error(err))
	}
	ts := l.blockTimestamp(block)
	for i := range logs {
		l.matchLog(&logs[i], ts)
	}
}

func (l *Listener) matchLog(log *types.Log, ts uint64) {
	if len(log.Topics) == 0 || !l.matcher.HasTopic0(log.Topics[0]) {
		return
	}
	for _, reg := range l.matcher.Match(log) {
		args, err := abidecode.Decode(reg.Event, log)
		if err != nil {
			l.logger.Warn("decode matched log",
				zap.String("filter_hash", reg.Hash.Hex()),
				zap.String("tx_hash", log.TxHash.Hex()),
				zap.Error(err),
			)
			continue
		}
		ev := model.DetectedEvent{
			ID:         uuid.NewString(),
			FilterHash: reg.Hash,
			Signature: model.EventSignature{
				ContractAddress: log.Address,
				Name:            reg.Event.Name,
				Topic0:          reg.Filter.Topic0,
				ABI:             reg.EventABI,
			},
			TransactionHash: log.TxHash,
			BlockNumber:     log.BlockNumber,
			LogIndex:        log.Index,
			Args:            args,
			Timestamp:       ts,
		}
		l.metrics.EventDetected()
		select {
		case l.events <- ev:
		default:
			l.metrics.EventDropped()
			l.logger.Warn("event queue full, dropping event",
				zap.String("filter_hash", reg.Hash.Hex()),
				zap.String("tx_hash", log.TxHash.Hex()),
				zap.Uint("log_index", log.Index),
			)
		}
	}
}

// blockTimestamp falls back to wall clock when the block's base fragment
// was never seen.
func (l *Listener) blockTimestamp(block uint64) uint64 {
	if ts, ok := l.times.Get(block); ok {
		return ts.(uint64)
	}
	return uint64(l.now().Unix())
}
