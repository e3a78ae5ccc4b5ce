package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Pulse/internal/app/orch"
	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ContextUserKey is where the HTTP layer leaves a verified domain.User.
const ContextUserKey = "pulse.user"

type Options struct {
	SendBuffer    int
	WriteWait     time.Duration
	PongWait      time.Duration
	PingPeriod    time.Duration
	ReadLimit     int64
	AllowLateAuth bool
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 64 * 1024
	}
	return o
}

type SignalWSController struct {
	Orch     *orch.Orchestrator
	Identity core.IdentityProvider

	opts     Options
	upgrader websocket.Upgrader
}

func NewSignalWSController(o *orch.Orchestrator, idp core.IdentityProvider, opts Options) *SignalWSController {
	return &SignalWSController{
		Orch:     o,
		Identity: idp,
		opts:     opts.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// WsSignalConn is the buffered outbound side of one socket.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func newWsSignalConn(ws *websocket.Conn, buffer int) *WsSignalConn {
	return &WsSignalConn{conn: ws, send: make(chan core.Frame, buffer)}
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// client is one socket's lifecycle. mu orders connect against teardown so a
// socket that is already going away is never registered.
type client struct {
	id     domain.ConnID
	conn   *WsSignalConn
	cancel context.CancelFunc

	mu       sync.Mutex
	sess     core.MemberSession
	tornDown bool
}

func (cl *client) session() core.MemberSession {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.sess
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	user, authed := UserFrom(c)
	if !authed && !ctl.opts.AllowLateAuth {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": domain.CodeUnauthorized, "message": "authentication required"})
		return
	}

	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.opts.ReadLimit)

	cctx, cancel := context.WithCancel(ctx)
	cl := &client{
		id:     domain.ConnID(uuid.NewString()),
		conn:   newWsSignalConn(ws, ctl.opts.SendBuffer),
		cancel: cancel,
	}
	log.Info().Str("module", "signal").Str("conn", string(cl.id)).Bool("authenticated", authed).Msg("new WS connection")

	if authed {
		ctl.connect(cctx, cl, user)
	}

	go ctl.writePump(cctx, cl)
	go ctl.readPump(cctx, cl)
}

func (ctl *SignalWSController) connect(ctx context.Context, cl *client, user domain.User) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.tornDown || cl.sess != nil {
		return
	}
	cl.sess = core.NewMemberSession(cl.id, user, cl.conn)
	ctl.Orch.Connect(ctx, cl.sess, cl.cancel)
}

// teardown runs once per socket no matter which pump notices the end first.
func (ctl *SignalWSController) teardown(cl *client) {
	cl.mu.Lock()
	if cl.tornDown {
		cl.mu.Unlock()
		return
	}
	cl.tornDown = true
	registered := cl.sess != nil
	cl.mu.Unlock()

	if registered {
		ctl.Orch.Disconnect(cl.id)
	}
	cl.cancel()
	cl.conn.Close()
}

// UserFrom reads the identity resolved by the HTTP middleware.
func UserFrom(c *gin.Context) (domain.User, bool) {
	v, ok := c.Get(ContextUserKey)
	if !ok {
		return domain.User{}, false
	}
	u, ok := v.(domain.User)
	return u, ok
}
