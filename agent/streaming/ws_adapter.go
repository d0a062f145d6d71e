package streaming

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

// ErrConnClosed is returned by Conn after Close.
var ErrConnClosed = errors.New("stream connection closed")

// FrameConn 是承载 Frame 的底层连接（WebSocket 或测试替身）。
type FrameConn interface {
	ReadFrame(ctx context.Context) (Frame, error)
	WriteFrame(ctx context.Context, f Frame) error
	Ping(ctx context.Context) error
	Close() error
}

// Conn 将 coder/websocket 连接适配为 FrameConn。
// 写操作串行化并为每帧分配递增序号。
type Conn struct {
	conn   *websocket.Conn
	logger *zap.Logger

	mu       sync.Mutex
	sequence int64
	closed   atomic.Bool
}

// NewConn 从已建立的 WebSocket 连接创建适配器。
func NewConn(conn *websocket.Conn, logger *zap.Logger) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conn{
		conn:   conn,
		logger: logger.With(zap.String("component", "ws_frame_conn")),
	}
}

// Accept 升级 HTTP 请求为 WebSocket 并返回 Conn。
func Accept(w http.ResponseWriter, r *http.Request, readLimit int64, logger *zap.Logger) (*Conn, error) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket accept: %w", err)
	}
	if readLimit > 0 {
		conn.SetReadLimit(readLimit)
	}
	return NewConn(conn, logger), nil
}

// Dial 连接语音 worker。
func Dial(ctx context.Context, url string, logger *zap.Logger) (*Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return NewConn(conn, logger), nil
}

// ReadFrame 读取一帧 JSON。
func (c *Conn) ReadFrame(ctx context.Context) (Frame, error) {
	var f Frame
	if c.closed.Load() {
		return f, ErrConnClosed
	}
	if err := wsjson.Read(ctx, c.conn, &f); err != nil {
		return f, fmt.Errorf("websocket read: %w", err)
	}
	return f, nil
}

// WriteFrame 写入一帧 JSON。
func (c *Conn) WriteFrame(ctx context.Context, f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return ErrConnClosed
	}
	c.sequence++
	f.Sequence = c.sequence
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now()
	}
	if err := wsjson.Write(ctx, c.conn, f); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Ping 发送 WebSocket ping 并等待 pong。需要并发的读循环。
func (c *Conn) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	return c.conn.Ping(ctx)
}

// Close 以正常状态码关闭连接，重复调用安全。
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := c.conn.Close(websocket.StatusNormalClosure, "session closed"); err != nil {
		c.logger.Debug("websocket close", zap.Error(err))
	}
	return nil
}
