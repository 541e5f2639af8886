package ocppj

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Subprotocol OCPP 1.6-J的WebSocket子协议标识
const Subprotocol = "ocpp1.6"

// DefaultConnectTimeout 连接超时，CSMS不可达时快速失败
const DefaultConnectTimeout = 2 * time.Second

// FrameConn 双向帧通道抽象，测试中用内存管道替换WebSocket
type FrameConn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Close() error
}

// Dial 以ocpp1.6子协议连接CSMS，路径为 <base>/<stationID>
func Dial(ctx context.Context, baseURL, stationID string, timeout time.Duration) (FrameConn, error) {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
		Subprotocols:     []string{Subprotocol},
	}

	url := strings.TrimRight(baseURL, "/") + "/" + stationID
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to %s (status %d): %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	return &wsFrameConn{conn: conn}, nil
}

// wsFrameConn gorilla/websocket连接的FrameConn适配
type wsFrameConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (w *wsFrameConn) ReadFrame() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	return data, err
}

func (w *wsFrameConn) WriteFrame(data []byte) error {
	// gorilla的写端不允许并发
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsFrameConn) Close() error {
	return w.conn.Close()
}
