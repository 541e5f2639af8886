package ocppj

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/charging-platform/station-simulator/internal/domain/ocpp16"
	"github.com/charging-platform/station-simulator/internal/logger"
)

var (
	// ErrCallTimeout 出站调用等待响应超时
	ErrCallTimeout = errors.New("call timed out")
	// ErrTransportClosed 底层连接已关闭
	ErrTransportClosed = errors.New("transport closed")
	// ErrMalformedFrame 入站帧不符合OCPP-J格式
	ErrMalformedFrame = errors.New("malformed frame")
)

// CallError CSMS返回的CALLERROR帧
type CallError struct {
	Code        string
	Description string
	Details     json.RawMessage
}

// Error 实现error接口
func (e *CallError) Error() string {
	return fmt.Sprintf("call error %s: %s", e.Code, e.Description)
}

// CallHandler 入站CALL处理函数。返回的结果被编码为CALLRESULT，
// 返回CallError时编码为CALLERROR。
type CallHandler func(payload json.RawMessage) (interface{}, *CallError)

// DefaultCallTimeout 出站调用的默认超时
const DefaultCallTimeout = 30 * time.Second

type callOutcome struct {
	payload json.RawMessage
	err     error
}

// Client OCPP-J客户端：出站调用关联、入站请求分发
type Client struct {
	conn        FrameConn
	log         *logger.Logger
	callTimeout time.Duration

	mu       sync.Mutex
	pending  map[string]chan callOutcome
	handlers map[ocpp16.Action]CallHandler

	closed    chan struct{}
	closeOnce sync.Once
}

// NewClient 基于帧通道创建OCPP-J客户端
func NewClient(conn FrameConn, log *logger.Logger, callTimeout time.Duration) *Client {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return &Client{
		conn:        conn,
		log:         log,
		callTimeout: callTimeout,
		pending:     make(map[string]chan callOutcome),
		handlers:    make(map[ocpp16.Action]CallHandler),
		closed:      make(chan struct{}),
	}
}

// Handle 注册入站动作处理函数，必须在Run之前调用
func (c *Client) Handle(action ocpp16.Action, handler CallHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[action] = handler
}

// Run 接收循环。读取入站帧，响应帧按uniqueId唤醒等待者，
// 请求帧分发给已注册的处理函数。连接断开或ctx取消时返回。
func (c *Client) Run(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.closed:
		}
	}()

	for {
		data, err := c.conn.ReadFrame()
		if err != nil {
			c.Close()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrTransportClosed, err)
		}

		f, err := decodeFrame(data)
		if err != nil {
			c.log.Warnf("Dropping malformed frame: %v", err)
			continue
		}

		switch f.Type {
		case ocpp16.Call:
			c.dispatch(f)
		case ocpp16.CallResult:
			c.resolve(f.UniqueID, callOutcome{payload: f.Payload})
		case ocpp16.CallError:
			c.resolve(f.UniqueID, callOutcome{err: &CallError{
				Code:        f.ErrorCode,
				Description: f.ErrorDescription,
				Details:     f.ErrorDetails,
			}})
		}
	}
}

// dispatch 在接收循环上运行入站请求处理函数
func (c *Client) dispatch(f *frame) {
	c.mu.Lock()
	handler, ok := c.handlers[f.Action]
	c.mu.Unlock()

	var response []byte
	var err error
	if !ok {
		c.log.Warnf("No handler for inbound action %s", f.Action)
		response, err = encodeCallError(f.UniqueID, "NotImplemented",
			fmt.Sprintf("Action %s is not supported", f.Action), nil)
	} else {
		result, callErr := handler(f.Payload)
		if callErr != nil {
			response, err = encodeCallError(f.UniqueID, callErr.Code, callErr.Description, callErr.Details)
		} else {
			response, err = encodeCallResult(f.UniqueID, result)
		}
	}
	if err != nil {
		c.log.ErrorWithErr(err, "Failed to encode response frame")
		return
	}
	if err := c.conn.WriteFrame(response); err != nil {
		c.log.ErrorWithErr(err, "Failed to write response frame")
	}
}

// resolve 按uniqueId唤醒等待中的出站调用，未知id的响应丢弃
func (c *Client) resolve(uniqueID string, outcome callOutcome) {
	c.mu.Lock()
	ch, ok := c.pending[uniqueID]
	if ok {
		delete(c.pending, uniqueID)
	}
	c.mu.Unlock()

	if !ok {
		c.log.Warnf("Dropping response for unknown call id %s", uniqueID)
		return
	}
	ch <- outcome
}

// Call 发送CALL帧并等待匹配的响应。result非nil时解码CALLRESULT
// 载荷到result。超时返回ErrCallTimeout，连接断开返回
// ErrTransportClosed，CALLERROR作为*CallError返回。
func (c *Client) Call(ctx context.Context, action ocpp16.Action, payload, result interface{}) error {
	uniqueID := uuid.NewString()
	data, err := encodeCall(uniqueID, action, payload)
	if err != nil {
		return err
	}

	ch := make(chan callOutcome, 1)
	c.mu.Lock()
	c.pending[uniqueID] = ch
	c.mu.Unlock()

	if err := c.conn.WriteFrame(data); err != nil {
		c.unregister(uniqueID)
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}

	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()

	select {
	case outcome := <-ch:
		if outcome.err != nil {
			return outcome.err
		}
		if result != nil {
			if err := json.Unmarshal(outcome.payload, result); err != nil {
				return fmt.Errorf("failed to decode %s response: %w", action, err)
			}
		}
		return nil
	case <-timer.C:
		c.unregister(uniqueID)
		return fmt.Errorf("%w: %s after %s", ErrCallTimeout, action, c.callTimeout)
	case <-ctx.Done():
		c.unregister(uniqueID)
		return ctx.Err()
	case <-c.closed:
		c.unregister(uniqueID)
		return ErrTransportClosed
	}
}

func (c *Client) unregister(uniqueID string) {
	c.mu.Lock()
	delete(c.pending, uniqueID)
	c.mu.Unlock()
}

// Close 关闭连接并唤醒所有等待中的调用
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// Closed 连接关闭信号
func (c *Client) Closed() <-chan struct{} {
	return c.closed
}
