package signal

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/Pulse/internal/app"
	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, cl *client) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		ctl.teardown(cl)
	}()
	ws := cl.conn.conn

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Str("conn", string(cl.id)).Msg("writePump ctx done")
			_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(ctl.opts.WriteWait))
			return
		case data, ok := <-cl.conn.send:
			if !ok {
				log.Debug().Str("module", "signal").Str("conn", string(cl.id)).Msg("writePump channel closed")
				return
			}
			if err := ws.SetWriteDeadline(time.Now().Add(ctl.opts.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Str("conn", string(cl.id)).Msg("writePump set deadline")
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("conn", string(cl.id)).Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(ctl.opts.WriteWait)); err != nil {
				log.Debug().Err(err).Str("module", "signal").Str("conn", string(cl.id)).Msg("writePump ping failed")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cl *client) {
	defer func() {
		log.Info().Str("module", "signal").Str("conn", string(cl.id)).Msg("readPump closing")
		ctl.teardown(cl)
	}()
	ws := cl.conn.conn

	_ = ws.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "signal").Str("conn", string(cl.id)).Msg("readPump read error")
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
		ctl.handleFrame(ctx, cl, data)
	}
}

func (ctl *SignalWSController) handleFrame(ctx context.Context, cl *client, data []byte) {
	ev, err := domain.DecodeInbound(data)
	if err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("conn", string(cl.id)).Msg("bad frame")
		if cl.session() != nil {
			ctl.sendDirect(cl, domain.ErrorEvent{Code: domain.CodeInvalidMessage, Message: err.Error()})
		}
		return
	}

	if cl.session() == nil {
		auth, ok := ev.(domain.AuthEvent)
		if !ok {
			log.Debug().Str("module", "signal").Str("conn", string(cl.id)).Str("type", string(ev.Type())).Msg("event before auth ignored")
			return
		}
		ctl.handleAuth(ctx, cl, auth)
		return
	}

	if err := ctl.Orch.Dispatch(ctx, cl.id, ev); err != nil && !errors.Is(err, app.ErrUnauthenticated) {
		log.Error().Err(err).Str("module", "signal").Str("conn", string(cl.id)).Msg("dispatch")
	}
}

func (ctl *SignalWSController) handleAuth(ctx context.Context, cl *client, ev domain.AuthEvent) {
	if ctl.Identity == nil {
		ctl.sendDirect(cl, domain.AuthResultEvent{OK: false})
		return
	}
	user, err := ctl.Identity.Verify(ctx, ev.Token)
	if err != nil {
		log.Info().Err(err).Str("module", "signal").Str("conn", string(cl.id)).Msg("late auth rejected")
		ctl.sendDirect(cl, domain.AuthResultEvent{OK: false})
		ctl.sendDirect(cl, domain.ErrorEvent{Code: domain.CodeUnauthorized, Message: "invalid token"})
		return
	}
	ctl.connect(ctx, cl, user)
}

// sendDirect writes to a socket that may not be registered with the hub yet.
func (ctl *SignalWSController) sendDirect(cl *client, ev domain.OutboundEvent) {
	frame, ok := app.Encode(ev)
	if !ok {
		return
	}
	if err := cl.conn.TrySend(core.Frame(frame)); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("conn", string(cl.id)).Msg("sendDirect")
	}
}
