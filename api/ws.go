package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/xraph/jobboard/id"
	"github.com/xraph/jobboard/job"
	"github.com/xraph/jobboard/stream"
)

// lockedConn serializes writes from the event forwarder and the control
// frame replies of the read loop.
type lockedConn struct {
	net.Conn
	mu sync.Mutex
}

func (c *lockedConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.Write(p)
}

// liveUpdates upgrades to a websocket and forwards every upsert event as
// a text frame {"type": "upsert", "job": {...}}. There is no replay of
// earlier events. The optional job_id and state query parameters replace
// the full feed with the events of one job, one state, or both.
func (a *API) liveUpdates(w http.ResponseWriter, r *http.Request) {
	topics, err := liveTopics(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	// Subscribe before the handshake completes so a client never misses
	// an event published right after it connects.
	connID := id.NewSubscriberID().String()
	sub := a.eng.Stream().Subscribe(connID, topics...)

	raw, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		a.eng.Stream().RemoveSubscriber(connID)
		a.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	conn := &lockedConn{Conn: raw}
	a.logger.Info("websocket connected",
		slog.String("conn_id", connID),
		slog.Any("topics", topics),
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		readUntilClosed(conn)
	}()

	defer func() {
		a.eng.Stream().RemoveSubscriber(connID)
		_ = conn.Close()
		a.logger.Info("websocket disconnected", slog.String("conn_id", connID))
	}()

	for {
		select {
		case <-done:
			return
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				a.logger.Warn("encode live event", slog.String("error", err.Error()))
				continue
			}
			if err := wsutil.WriteServerText(conn, data); err != nil {
				return
			}
		}
	}
}

// readUntilClosed drains client frames, answering pings, until the
// client closes or the connection fails.
func readUntilClosed(conn io.ReadWriter) {
	for {
		if _, _, err := wsutil.ReadClientData(conn); err != nil {
			return
		}
	}
}

func liveTopics(r *http.Request) ([]string, error) {
	v := r.URL.Query()
	var topics []string
	if id := v.Get("job_id"); id != "" {
		topics = append(topics, stream.JobTopic(id))
	}
	if s := v.Get("state"); s != "" {
		st, err := job.ParseState(s)
		if err != nil {
			return nil, badRequest("invalid state %q", s)
		}
		topics = append(topics, stream.StateTopic(st))
	}
	if len(topics) == 0 {
		topics = []string{stream.TopicJobs}
	}
	for _, t := range topics {
		if err := stream.ValidateTopic(t); err != nil {
			return nil, badRequest("%v", err)
		}
	}
	return topics, nil
}
