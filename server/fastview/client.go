// Package fastview publishes feed messages to web clients over websocket. A Client
// is an observer of a training or inference loop: Send queues a message, and a
// publish routine writes the queue to the socket while a read routine and a
// ping-pong routine detect when the peer is gone.
package fastview

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	channerics "github.com/niceyeti/channerics/channels"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 1 * time.Second
	// Maximum message size allowed from peer.
	maxMessageSize = 8192

	pingResolution = time.Millisecond * 500
	// The number of pings to tolerate losing before concluding the peer is gone.
	pongWait = pingResolution * 4

	// Messages queued beyond this are dropped.
	outboxSize = 64
)

var upgrader = websocket.Upgrader{
	// The control surface is served to any origin, so are the feeds.
	CheckOrigin: func(*http.Request) bool { return true },
}

var (
	// ErrClosed is returned by Send once the client has disconnected.
	ErrClosed = errors.New("client closed")
	// ErrPongDeadlineExceeded ends a client whose peer stopped answering pings.
	ErrPongDeadlineExceeded = errors.New("client disconnect, pong deadline exceeded")
	// ErrSockCongestion indicates there are too many waiters on the socket for a given op.
	ErrSockCongestion = errors.New("sock op failed due to congestion")
)

// Client is a websocket peer receiving JSON messages.
type Client struct {
	ws      *websock
	outbox  chan any
	done    chan struct{}
	once    sync.Once
	rootCtx context.Context
	logger  zerolog.Logger
}

// Upgrade upgrades the request to a websocket and returns a client for it. On failure
// the upgrader has already replied to the request.
func Upgrade(w http.ResponseWriter, r *http.Request, logger zerolog.Logger) (*Client, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade: %w", err)
	}
	ws.SetReadLimit(maxMessageSize)

	return &Client{
		ws:      newWebSocket(ws),
		outbox:  make(chan any, outboxSize),
		done:    make(chan struct{}),
		rootCtx: r.Context(),
		logger:  logger.With().Str("remote", r.RemoteAddr).Logger(),
	}, nil
}

// Send queues msg for publication. It only fails once the client is gone; when the
// queue is full the message is dropped.
func (cli *Client) Send(ctx context.Context, msg any) error {
	select {
	case <-cli.done:
		return ErrClosed
	default:
	}

	select {
	case cli.outbox <- msg:
	case <-cli.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
		cli.logger.Debug().Msg("client lagging, message dropped")
	}
	return nil
}

// Done is closed once the client disconnects or is closed.
func (cli *Client) Done() <-chan struct{} {
	return cli.done
}

func (cli *Client) markDone() {
	cli.once.Do(func() { close(cli.done) })
}

// Sync runs the read, ping-pong and publish routines until the peer disconnects or
// one of them fails, then closes the socket. It returns nil on a normal disconnect.
func (cli *Client) Sync() error {
	defer cli.Close()

	group, groupCtx := errgroup.WithContext(cli.rootCtx)
	// Reads only unblock when the socket closes.
	go func() {
		<-groupCtx.Done()
		cli.Close()
	}()
	group.Go(func() error {
		return cli.readMessages(groupCtx)
	})
	group.Go(func() error {
		return cli.pingPong(groupCtx)
	})
	group.Go(func() error {
		return cli.publish(groupCtx)
	})

	err := group.Wait()
	if errors.Is(err, errPeerClosed) {
		err = nil
	}
	return err
}

// Close marks the client done and closes the socket. It is safe to call more than once.
func (cli *Client) Close() {
	cli.markDone()
	cli.ws.Close()
}

// errPeerClosed ends the read routine when the peer closes normally.
var errPeerClosed = errors.New("peer closed")

// Runs the ping-pong for the client liveness check.
// NOTE: This function requires that readMessages is running to ensure the pong handler is called.
func (cli *Client) pingPong(ctx context.Context) error {
	pong := make(chan struct{}, 1)
	cli.ws.Conn().SetPongHandler(func(_ string) error {
		select {
		case pong <- struct{}{}:
		default:
		}
		return nil
	})

	pinger := channerics.NewTicker(ctx.Done(), pingResolution)
	lastPong := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pinger:
			if time.Since(lastPong) > pongWait {
				return ErrPongDeadlineExceeded
			}

			if err := cli.ping(ctx); err != nil {
				return err
			}
		case <-pong:
			lastPong = time.Now()
		}
	}
}

func (cli *Client) ping(ctx context.Context) error {
	return cli.ws.Write(
		ctx,
		func(ws *websocket.Conn) (err error) {
			if err = ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				err = fmt.Errorf("ping failed: %w", err)
			}
			return
		})
}

// readMessages monitors for messages from the client. Feeds are one-way, so the
// messages are discarded; the read only detects closure.
// Errors returned by websocket Read methods are permanent, hence any error
// must trigger full teardown.
func (cli *Client) readMessages(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		_, _, err := cli.ws.Conn().ReadMessage()
		if isClosure(err) {
			return errPeerClosed
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
	}
}

func (cli *Client) publish(ctx context.Context) error {
	var outbox <-chan any = cli.outbox
	for msg := range channerics.OrDone(ctx.Done(), outbox) {
		err := cli.ws.Write(
			ctx,
			func(ws *websocket.Conn) (writeErr error) {
				if writeErr = ws.SetWriteDeadline(time.Now().Add(writeWait)); writeErr != nil {
					writeErr = fmt.Errorf("failed to set deadline: %T %w", writeErr, writeErr)
					return
				}

				if writeErr = ws.WriteJSON(msg); writeErr != nil {
					writeErr = fmt.Errorf("publish failed: %w", writeErr)
				}
				return
			})
		if err != nil {
			return err
		}
	}
	return nil
}

func isClosure(err error) bool {
	return err != nil && websocket.IsCloseError(
		err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived)
}

const writeDeadline = time.Second

// websock serializes writes to the websocket, which allows only one concurrent
// writer. Reads happen on a single routine and need no guard.
type websock struct {
	// This is merely a mutex, but channel semantics are cleaner.
	writeSem chan struct{}
	closed   sync.Once
	ws       *websocket.Conn
}

func newWebSocket(ws *websocket.Conn) *websock {
	return &websock{
		writeSem: make(chan struct{}, 1),
		ws:       ws,
	}
}

// Returns the underlying websocket.
// This should only be used non-concurrently for setup, e.g. adding handlers.
func (sock *websock) Conn() *websocket.Conn {
	return sock.ws
}

// Close sends a close frame and closes the connection.
func (sock *websock) Close() {
	sock.closed.Do(func() {
		select {
		case sock.writeSem <- struct{}{}:
			_ = sock.ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			<-sock.writeSem
		case <-time.After(writeDeadline):
		}
		sock.ws.Close()
	})
}

// Write serializes write operations to the websocket.
func (sock *websock) Write(
	ctx context.Context,
	writeFn func(*websocket.Conn) error,
) error {
	select {
	case <-ctx.Done():
		return nil
	case sock.writeSem <- struct{}{}:
		defer func() { <-sock.writeSem }()
		return writeFn(sock.ws)
	case <-time.After(writeDeadline):
		return ErrSockCongestion
	}
}
