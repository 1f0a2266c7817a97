package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m-mizutani/collective/pkg/model"
	"github.com/m-mizutani/collective/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	pongWait   = pingPeriod * 2
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStream pushes feed messages as JSON frames. With ?after=N the
// messages committed after N are replayed first; live messages follow
// without gaps or duplicates.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var after int64 = -1
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, r, goerr.Wrap(err, "invalid after", goerr.V("after", v), goerr.T(model.ErrTagInvalidInput)))
			return
		}
		after = n
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.From(r.Context()).Warn("websocket upgrade error", logging.ErrAttr(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	logger := logging.From(ctx)

	// subscribe before replay so nothing falls in between
	stream := s.feed.Subscribe(ctx)

	var lastSent int64
	if after >= 0 {
		lastSent, err = s.replay(ctx, conn, after)
		if err != nil {
			logger.Debug("feed replay stopped", logging.ErrAttr(err))
			return
		}
	}

	// the reader only notices the peer going away
	go func() {
		defer cancel()
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Debug("websocket read error", logging.ErrAttr(err))
				}
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-stream:
			if !ok {
				return
			}
			if msg.SequenceNo <= lastSent {
				continue
			}
			if err := writeFrame(conn, msg); err != nil {
				logger.Debug("websocket write error", logging.ErrAttr(err))
				return
			}
			lastSent = msg.SequenceNo

		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// replay writes every message committed after `after`, one page at a time,
// and returns the last sequence number sent.
func (s *Server) replay(ctx context.Context, conn *websocket.Conn, after int64) (int64, error) {
	lastSent := after
	for {
		page, err := s.feed.Since(ctx, lastSent, maxFeedLimit)
		if err != nil {
			return lastSent, goerr.Wrap(err, "failed to read feed backlog", goerr.V("after", lastSent))
		}
		for _, msg := range page {
			if err := writeFrame(conn, msg); err != nil {
				return lastSent, goerr.Wrap(err, "failed to write backlog frame")
			}
			lastSent = msg.SequenceNo
		}
		if len(page) < maxFeedLimit {
			return lastSent, nil
		}
	}
}

func writeFrame(conn *websocket.Conn, msg *model.FeedMessage) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}
