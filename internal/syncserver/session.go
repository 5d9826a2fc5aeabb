package syncserver

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tidelog/tidelog/internal/event"
	"github.com/tidelog/tidelog/internal/seqno"
	"github.com/tidelog/tidelog/internal/syncproto"
)

// session is one authenticated connection to a store.
type session struct {
	id       string
	conn     syncproto.Conn
	state    *storeState
	log      *slog.Logger
	pageSize int
}

func newSession(conn syncproto.Conn, state *storeState, log *slog.Logger, pageSize int) *session {
	id := uuid.NewString()
	return &session{
		id:       id,
		conn:     conn,
		state:    state,
		log:      log.With("session", id),
		pageSize: pageSize,
	}
}

// serve runs the session's receive loop until the connection breaks or
// the request context ends.
func (s *session) serve(ctx context.Context) {
	for {
		env, err := s.conn.Receive()
		if err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}

		switch env.Type {
		case syncproto.MsgPullRequest:
			s.handlePull(ctx, env)
		case syncproto.MsgPushRequest:
			s.handlePush(ctx, env)
		case syncproto.MsgPing:
			s.reply(syncproto.MsgPong, nil)
		case syncproto.MsgPong:
			// liveness answer, nothing to do
		default:
			s.log.Warn("unexpected message", "type", env.Type)
			sendError(s.conn, syncproto.ErrCodeMalformed, "unexpected message "+string(env.Type))
		}
	}
}

func (s *session) handlePull(ctx context.Context, env syncproto.Envelope) {
	var req syncproto.PullRequest
	if err := env.DecodeInto(&req); err != nil {
		sendError(s.conn, syncproto.ErrCodeMalformed, "malformed pull request")
		return
	}

	cursor := seqno.Root
	if req.Cursor != nil {
		cursor = *req.Cursor
	}

	events, hasMore, err := s.state.st.ReadPage(ctx, cursor, s.pageSize)
	if err != nil {
		s.log.Error("pull failed", "cursor", cursor, "error", err)
		sendError(s.conn, syncproto.ErrCodeInternal, "pull failed")
		return
	}
	s.reply(syncproto.MsgPullResponse, syncproto.PullResponse{Events: events, HasMore: hasMore})
}

func (s *session) handlePush(ctx context.Context, env syncproto.Envelope) {
	var req syncproto.PushRequest
	if err := env.DecodeInto(&req); err != nil {
		sendError(s.conn, syncproto.ErrCodeMalformed, "malformed push request")
		return
	}

	ackID, accepted, err := s.state.push(ctx, req.Event)
	if err != nil {
		s.log.Error("push failed", "proposed", req.Event.ID, "error", err)
		sendError(s.conn, syncproto.ErrCodeInternal, "push failed")
		return
	}

	if !ackID.Equal(req.Event.ID) {
		s.log.Info("re-sequenced push", "proposed", req.Event.ID, "authoritative", ackID)
	}
	s.reply(syncproto.MsgPushAck, syncproto.PushAck{EventID: ackID})

	if accepted != nil {
		s.state.broadcast(s, *accepted)
	}
}

func (s *session) reply(t syncproto.MsgType, payload any) {
	env, err := syncproto.Encode(t, payload)
	if err != nil {
		s.log.Error("encoding reply", "type", t, "error", err)
		return
	}
	if err := s.conn.Send(env); err != nil {
		s.log.Debug("reply send failed", "type", t, "error", err)
	}
}

func syncEncodeBroadcast(ev event.Event) (syncproto.Envelope, error) {
	return syncproto.Encode(syncproto.MsgPushBroadcast, syncproto.PushBroadcast{Event: ev})
}
