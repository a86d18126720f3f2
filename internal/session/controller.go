package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/portfolio-analysis/internal/analysis"
	"github.com/portfolio-analysis/internal/logging"
	"github.com/portfolio-analysis/internal/models"
	"github.com/portfolio-analysis/internal/storage"
)

const writeWait = 5 * time.Second

// Conn is the subset of *websocket.Conn the controller uses. Faked in tests.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v interface{}) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Runner starts analysis runs. Implemented by analysis.Engine.
type Runner interface {
	Run(ctx context.Context, sessionID, ticker string, emitter analysis.Emitter) (analysis.Outcome, error)
}

// SessionStore is the slice of the repository the controller needs
type SessionStore interface {
	EnsureSession(ctx context.Context, sessionID string) (*models.PortfolioState, error)
}

// ControllerConfig holds controller dependencies
type ControllerConfig struct {
	SessionID   string
	Conn        Conn
	Registry    *Registry
	Runner      Runner
	Store       SessionStore
	IdleTimeout time.Duration
	Logger      *logging.Logger
}

// Controller owns one client connection: the outbound emitter (single writer
// at a time), the at-most-one live analysis run, and the idle timer. A new
// analyze request cancels the in-flight run and waits for it to settle
// before starting the next one.
type Controller struct {
	sessionID   string
	conn        Conn
	registry    *Registry
	runner      Runner
	store       SessionStore
	idleTimeout time.Duration
	logger      *logging.Logger

	// writeMu serializes all frames on the connection: run emissions and
	// protocol error frames from the read loop.
	writeMu sync.Mutex

	// Current run state, touched only from the Serve goroutine
	cancelRun context.CancelFunc
	runDone   chan struct{}
}

// NewController creates a session controller
func NewController(cfg *ControllerConfig) (*Controller, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("session id cannot be empty")
	}
	if cfg.Conn == nil {
		return nil, fmt.Errorf("connection cannot be nil")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg.IdleTimeout <= 0 {
		return nil, fmt.Errorf("idle timeout must be positive")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &Controller{
		sessionID:   cfg.SessionID,
		conn:        cfg.Conn,
		registry:    cfg.Registry,
		runner:      cfg.Runner,
		store:       cfg.Store,
		idleTimeout: cfg.IdleTimeout,
		logger:      logger.WithField("session", cfg.SessionID),
	}, nil
}

// SessionID returns the id of the session this controller serves
func (c *Controller) SessionID() string {
	return c.sessionID
}

// Serve runs the inbound message loop until the connection closes, the idle
// timeout fires, or ctx is cancelled. It always settles the current run and
// deregisters before returning.
func (c *Controller) Serve(ctx context.Context) {
	defer func() {
		c.settleRun()
		c.registry.Remove(c.sessionID, c)
		c.conn.Close()
		c.logger.Info("Session closed")
	}()

	if _, err := c.store.EnsureSession(ctx, c.sessionID); err != nil {
		c.logger.WithError(err).Error("Failed to initialize session state")
		c.writeFrame(models.NewErrorMessage("session initialization failed"))
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}

		// The read deadline doubles as the idle timer: a silent client
		// times out the read and tears the session down.
		c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				c.logger.Info("Idle timeout, closing session")
			case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure):
				c.logger.WithError(err).Warn("Connection error")
			default:
				c.logger.Debug("Client disconnected")
			}
			return
		}

		c.handleMessage(ctx, data)
	}
}

// handleMessage validates one inbound message and dispatches on its action.
// Protocol errors are reported to the client; the connection stays open.
func (c *Controller) handleMessage(ctx context.Context, data []byte) {
	var req models.AnalyzeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.writeFrame(models.NewErrorMessage("invalid message: malformed JSON"))
		return
	}

	if req.Action != "analyze" {
		c.writeFrame(models.NewErrorMessage(fmt.Sprintf("unknown action: %q", req.Action)))
		return
	}

	ticker := strings.ToUpper(strings.TrimSpace(req.Ticker))
	if !models.ValidTicker(ticker) {
		c.writeFrame(models.NewErrorMessage(fmt.Sprintf("invalid ticker: %q", req.Ticker)))
		return
	}

	c.logger.WithField("ticker", ticker).Info("Analyze request")
	c.startRun(ctx, ticker)
}

// startRun cancels any in-flight run, waits for it to settle, then launches
// a new run. A repeated request for the same ticker also restarts.
func (c *Controller) startRun(ctx context.Context, ticker string) {
	c.settleRun()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancelRun = cancel
	c.runDone = done

	go func() {
		defer close(done)
		outcome, err := c.runner.Run(runCtx, c.sessionID, ticker, c)
		if outcome == analysis.OutcomeFailed && err != nil {
			c.logger.WithField("ticker", ticker).WithError(err).Error("Analysis run failed")
			if errors.Is(err, storage.ErrSessionNotFound) {
				c.writeFrame(models.NewErrorMessage("session not found"))
			} else {
				c.writeFrame(models.NewErrorMessage("analysis aborted: state store unavailable"))
			}
		}
	}()
}

// settleRun cancels the current run (if any) and blocks until it has
// released every metric task and will emit nothing further.
func (c *Controller) settleRun() {
	if c.cancelRun == nil {
		return
	}
	c.cancelRun()
	<-c.runDone
	c.cancelRun = nil
	c.runDone = nil
}

// EmitResult implements analysis.Emitter
func (c *Controller) EmitResult(msg models.AnalysisResultMessage) error {
	return c.writeFrame(msg)
}

// EmitError implements analysis.Emitter
func (c *Controller) EmitError(message string) error {
	return c.writeFrame(models.NewErrorMessage(message))
}

func (c *Controller) writeFrame(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}
