// Package service wires the collaboration modules together behind the
// websocket surface.
//
// It owns the dispatch of inbound envelopes to presence, sessions, locks and
// comments, the connect/disconnect cascades, and the archive appends that
// happen after an authoritative decision. Errors caused by one client are
// always answered to that client alone; nothing malformed is ever broadcast.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"collabd/internal/changelog"
	"collabd/internal/comment"
	"collabd/internal/config"
	"collabd/internal/connection"
	"collabd/internal/lock"
	"collabd/internal/logging"
	"collabd/internal/metrics"
	"collabd/internal/presence"
	"collabd/internal/protocol"
	"collabd/internal/pubsub"
	"collabd/internal/session"
	"collabd/internal/store"
)

// Service is the assembled realtime collaboration engine.
type Service struct {
	cfg *config.Config
	log *logging.Logger

	router   *pubsub.Router
	bridge   *pubsub.Bridge
	presence *presence.Registry
	sessions *session.Manager
	comments *comment.Store
	conns    *connection.Manager
	archive  store.Archive
	stats    *metrics.DaemonMetrics

	started time.Time
}

// New assembles a service from configuration. The archive is owned by the
// caller until Start; after that Shutdown closes it.
func New(cfg *config.Config, archive store.Archive, log *logging.Logger) (*Service, error) {
	router := pubsub.NewRouter()

	var bridge *pubsub.Bridge
	if cfg.Bridge.Enabled {
		b, err := pubsub.NewBridge(pubsub.BridgeConfig{
			Addr:     cfg.Bridge.Addr,
			Password: cfg.Bridge.Password,
			DB:       cfg.Bridge.DB,
			Prefix:   cfg.Bridge.Prefix,
		}, router)
		if err != nil {
			return nil, fmt.Errorf("connect bridge: %w", err)
		}
		router.SetBridge(b)
		bridge = b
	}

	s := &Service{
		cfg: cfg,
		log: log,

		router: router,
		bridge: bridge,
		presence: presence.NewRegistry(presence.Config{
			OfflineGrace: cfg.Presence.OfflineGrace(),
			TypingTTL:    cfg.Presence.TypingTTL(),
		}, router),
		sessions: session.NewManager(session.Config{
			LockTTL:       cfg.Locks.TTL(),
			IdleAfter:     cfg.Session.IdleAfter(),
			AwayAfter:     cfg.Session.AwayAfter(),
			SweepInterval: cfg.Session.SweepInterval(),
		}, router, changelog.LastWriteWins{}),
		comments: comment.NewStore(),
		archive:  archive,
		stats:    metrics.NewDaemonMetrics(nil),
	}

	s.conns = connection.NewManager(connection.Config{
		HeartbeatInterval: cfg.Heartbeat.Interval(),
		MissedLimit:       cfg.Heartbeat.MissedLimit,
		WriteTimeout:      cfg.Server.WriteTimeout(),
		SendBuffer:        cfg.Server.SendBuffer,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		MaxMessageBytes:   cfg.Server.MaxMessageBytes,
	})
	s.conns.OnConnect(s.onConnect)
	s.conns.OnDisconnect(s.onDisconnect)
	s.conns.OnMessage(s.dispatch)

	return s, nil
}

// Start launches background loops.
func (s *Service) Start(ctx context.Context) {
	s.started = time.Now()
	s.sessions.Start(ctx)
	s.log.Info("service started", "bridge", s.bridge != nil)
}

// Shutdown tears the service down: connections first so the disconnect
// cascades run, then the loops and the archive.
func (s *Service) Shutdown(ctx context.Context) error {
	s.conns.Shutdown()
	s.sessions.Stop()
	s.presence.Shutdown()
	if s.bridge != nil {
		s.bridge.Close() //nolint:errcheck
	}
	return s.archive.Close()
}

// Connections exposes the connection manager for the HTTP layer.
func (s *Service) Connections() *connection.Manager { return s.conns }

// Sessions exposes the session manager for the HTTP layer.
func (s *Service) Sessions() *session.Manager { return s.sessions }

// Presence exposes the presence registry for the HTTP layer.
func (s *Service) Presence() *presence.Registry { return s.presence }

// Comments exposes the comment store for the HTTP layer.
func (s *Service) Comments() *comment.Store { return s.comments }

// Archive exposes the change archive for the HTTP layer.
func (s *Service) Archive() store.Archive { return s.archive }

// Started returns when the service started.
func (s *Service) Started() time.Time { return s.started }

// Metrics exposes the daemon metrics for the scrape endpoint.
func (s *Service) Metrics() *metrics.DaemonMetrics { return s.stats }

// onConnect runs when a websocket is established: the user comes online and
// the connection is subscribed to the shared presence channel.
func (s *Service) onConnect(c *connection.Conn) {
	s.stats.ConnectionOpened()
	s.router.Subscribe(presence.Channel, c)
	s.presence.ConnectionOpened(c.UserID(), c.UserName())
}

// onDisconnect runs the cleanup cascade for a dead connection. Session
// membership is only torn down when this was the user's last connection.
func (s *Service) onDisconnect(c *connection.Conn) {
	s.stats.ConnectionClosed()
	s.router.UnsubscribeAll(c.ID())

	if len(s.conns.ForUser(c.UserID())) == 0 {
		s.sessions.DisconnectUser(c.UserID())
		s.presence.StopAllTyping(c.UserID())
	}
	s.presence.ConnectionClosed(c.UserID())
}

// dispatch routes one validated inbound envelope to its handler. Validation
// or handler errors go back to the sender only.
func (s *Service) dispatch(c *connection.Conn, e *protocol.Envelope) {
	start := time.Now()
	defer func() { s.stats.MessageHandled(time.Since(start)) }()

	if err := protocol.ValidateInbound(e); err != nil {
		var verr *protocol.ValidationError
		if errors.As(err, &verr) {
			s.sendError(c, e.Type, verr.Code, verr.Message)
		} else {
			s.sendError(c, e.Type, protocol.CodeInternal, err.Error())
		}
		return
	}

	switch e.Type {
	case protocol.TypeHeartbeat:
		// Liveness is already extended by the read pump.
	case protocol.TypePresenceUpdate:
		s.handlePresenceUpdate(c, e)
	case protocol.TypePresenceLocation:
		s.handlePresenceLocation(c, e)
	case protocol.TypeTypingStart:
		s.handleTypingStart(c, e)
	case protocol.TypeTypingStop:
		s.handleTypingStop(c, e)
	case protocol.TypeSessionJoin:
		s.handleSessionJoin(c, e)
	case protocol.TypeSessionLeave:
		s.handleSessionLeave(c, e)
	case protocol.TypeCursorMove:
		s.handleCursorMove(c, e)
	case protocol.TypeSelectionChange:
		s.handleSelectionChange(c, e)
	case protocol.TypeChangeApply:
		s.handleChangeApply(c, e)
	case protocol.TypeConflictResolve:
		s.handleConflictResolve(c, e)
	case protocol.TypeLockAcquire:
		s.handleLockAcquire(c, e)
	case protocol.TypeLockRelease:
		s.handleLockRelease(c, e)
	case protocol.TypeCommentAdd:
		s.handleCommentAdd(c, e)
	case protocol.TypeCommentResolve:
		s.handleCommentResolve(c, e)
	case protocol.TypeSubscribe:
		s.handleSubscribe(c, e)
	case protocol.TypeUnsubscribe:
		s.handleUnsubscribe(c, e)
	default:
		s.sendError(c, e.Type, protocol.CodeUnknownType, "unknown message type")
	}
}

func (s *Service) sendError(c *connection.Conn, inboundType, code, message string) {
	s.stats.ErrorReturned()
	c.Send(protocol.NewEnvelope(protocol.TypeError, protocol.ErrorPayload{
		Code:    code,
		Message: message,
		Type:    inboundType,
	}))
}

// sendSessionErr maps session lookup failures onto protocol error codes.
func (s *Service) sendSessionErr(c *connection.Conn, inboundType string, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		s.sendError(c, inboundType, protocol.CodeUnknownSession, "unknown session")
	case errors.Is(err, session.ErrNotParticipant):
		s.sendError(c, inboundType, protocol.CodeNotFound, "not a participant")
	default:
		s.sendError(c, inboundType, protocol.CodeInternal, err.Error())
	}
}

func (s *Service) handlePresenceUpdate(c *connection.Conn, e *protocol.Envelope) {
	var p protocol.PresenceUpdate
	if err := e.Decode(&p); err != nil {
		s.sendError(c, e.Type, protocol.CodeMalformed, err.Error())
		return
	}
	s.presence.UpdateStatus(c.UserID(), presence.Status(p.Status), p.StatusMessage)
}

func (s *Service) handlePresenceLocation(c *connection.Conn, e *protocol.Envelope) {
	var p protocol.PresenceLocation
	if err := e.Decode(&p); err != nil {
		s.sendError(c, e.Type, protocol.CodeMalformed, err.Error())
		return
	}
	s.presence.UpdateLocation(c.UserID(), p.Page, p.EntityType, p.EntityID)
}

func (s *Service) handleTypingStart(c *connection.Conn, e *protocol.Envelope) {
	var p protocol.TypingStart
	if err := e.Decode(&p); err != nil {
		s.sendError(c, e.Type, protocol.CodeMalformed, err.Error())
		return
	}
	sess := s.sessions.Get(p.SessionID)
	if sess == nil {
		s.sendError(c, e.Type, protocol.CodeUnknownSession, "unknown session")
		return
	}
	if sess.Participant(c.UserID()) == nil {
		s.sendSessionErr(c, e.Type, session.ErrNotParticipant)
		return
	}
	s.sessions.Touch(p.SessionID, c.UserID())
	s.presence.StartTyping(session.SessionChannel(p.SessionID), p.SessionID, c.UserID(), p.Field)
}

func (s *Service) handleTypingStop(c *connection.Conn, e *protocol.Envelope) {
	var p protocol.TypingStop
	if err := e.Decode(&p); err != nil {
		s.sendError(c, e.Type, protocol.CodeMalformed, err.Error())
		return
	}
	if p.SessionID == "" {
		s.presence.StopAllTyping(c.UserID())
		return
	}
	s.presence.StopTyping(session.SessionChannel(p.SessionID), p.SessionID, c.UserID(), p.Field)
}

// handleSessionJoin adds the user to the entity's session, subscribes this
// connection to the session channel, and answers with the full session state
// so the client can render before any broadcast arrives.
func (s *Service) handleSessionJoin(c *connection.Conn, e *protocol.Envelope) {
	var p protocol.SessionJoin
	if err := e.Decode(&p); err != nil {
		s.sendError(c, e.Type, protocol.CodeMalformed, err.Error())
		return
	}

	sess, _ := s.sessions.Join(p.EntityType, p.EntityID, c.UserID(), c.UserName())
	s.router.Subscribe(sess.Channel(), c)

	c.Send(protocol.NewEnvelope(protocol.TypeSessionState, sess.Snapshot()))
}

func (s *Service) handleSessionLeave(c *connection.Conn, e *protocol.Envelope) {
	var p protocol.SessionLeave
	if err := e.Decode(&p); err != nil {
		s.sendError(c, e.Type, protocol.CodeMalformed, err.Error())
		return
	}

	if err := s.sessions.Leave(p.SessionID, c.UserID()); err != nil {
		s.sendSessionErr(c, e.Type, err)
		return
	}
	s.router.Unsubscribe(session.SessionChannel(p.SessionID), c.ID())
	s.presence.StopAllTyping(c.UserID())
}

func (s *Service) handleCursorMove(c *connection.Conn, e *protocol.Envelope) {
	var p protocol.CursorMove
	if err := e.Decode(&p); err != nil {
		s.sendError(c, e.Type, protocol.CodeMalformed, err.Error())
		return
	}
	if err := s.sessions.UpdateCursor(p.SessionID, c.UserID(), p.Cursor); err != nil {
		s.sendSessionErr(c, e.Type, err)
	}
}

func (s *Service) handleSelectionChange(c *connection.Conn, e *protocol.Envelope) {
	var p protocol.SelectionChange
	if err := e.Decode(&p); err != nil {
		s.sendError(c, e.Type, protocol.CodeMalformed, err.Error())
		return
	}
	if err := s.sessions.UpdateSelection(p.SessionID, c.UserID(), p.Selection); err != nil {
		s.sendSessionErr(c, e.Type, err)
	}
}

// handleChangeApply proposes an edit. Acceptance is broadcast by the session
// manager; a conflict goes back to the proposer alone as change:conflict and
// is archived for audit.
func (s *Service) handleChangeApply(c *connection.Conn, e *protocol.Envelope) {
	var p protocol.ChangeApply
	if err := e.Decode(&p); err != nil {
		s.sendError(c, e.Type, protocol.CodeMalformed, err.Error())
		return
	}
	if !changelog.ValidChangeType(changelog.ChangeType(p.ChangeType)) {
		s.sendError(c, e.Type, protocol.CodeMalformed, "unknown change type "+p.ChangeType)
		return
	}

	accepted, conflict, err := s.sessions.Apply(p.SessionID, c.UserID(), changelog.Change{
		FieldPath:   p.FieldPath,
		Type:        changelog.ChangeType(p.ChangeType),
		OldValue:    p.OldValue,
		NewValue:    p.NewValue,
		Position:    p.Position,
		Length:      p.Length,
		BaseVersion: p.BaseVersion,
	})
	if err != nil {
		if errors.Is(err, changelog.ErrFutureBase) {
			s.sendError(c, e.Type, protocol.CodeMalformed, err.Error())
			return
		}
		s.sendSessionErr(c, e.Type, err)
		return
	}
	if conflict != nil {
		s.stats.ConflictDetected()
		c.Send(protocol.NewEnvelope(protocol.TypeChangeConflict, conflict))
		s.archive.AppendConflict(*conflict)
		return
	}
	s.stats.ChangeAccepted()
	s.archive.AppendChange(*accepted)
}

func (s *Service) handleConflictResolve(c *connection.Conn, e *protocol.Envelope) {
	var p protocol.ConflictResolve
	if err := e.Decode(&p); err != nil {
		s.sendError(c, e.Type, protocol.CodeMalformed, err.Error())
		return
	}

	accepted, _, err := s.sessions.ResolveConflict(p.SessionID, c.UserID(), p.ConflictID, p.ResolvedValue)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrNotParticipant) {
			s.sendSessionErr(c, e.Type, err)
		} else {
			s.sendError(c, e.Type, protocol.CodeNotFound, err.Error())
		}
		return
	}
	s.stats.ConflictSettled()
	s.archive.AppendChange(*accepted)
}

func (s *Service) handleLockAcquire(c *connection.Conn, e *protocol.Envelope) {
	var p protocol.LockAcquire
	if err := e.Decode(&p); err != nil {
		s.sendError(c, e.Type, protocol.CodeMalformed, err.Error())
		return
	}

	sess := s.sessions.ForEntity(p.EntityType, p.EntityID)
	if sess == nil {
		s.sendError(c, e.Type, protocol.CodeUnknownSession, "no session for entity")
		return
	}

	typ := lock.Type(p.LockType)
	if p.LockType == "" {
		typ = lock.Exclusive
	}

	_, err := s.sessions.AcquireLock(sess.ID, c.UserID(), p.FieldPath, typ)
	if err != nil {
		if errors.Is(err, lock.ErrLockHeld) {
			s.stats.LockDeclined()
			holder := sess.Locks().Holder(p.FieldPath)
			s.sendError(c, e.Type, protocol.CodeLockHeld, "field locked by "+holder)
			return
		}
		s.sendSessionErr(c, e.Type, err)
	}
}

// handleLockRelease releases a lock by id. The lock id alone does not name
// its session, so the user's sessions are scanned for it.
func (s *Service) handleLockRelease(c *connection.Conn, e *protocol.Envelope) {
	var p protocol.LockRelease
	if err := e.Decode(&p); err != nil {
		s.sendError(c, e.Type, protocol.CodeMalformed, err.Error())
		return
	}

	for _, sess := range s.sessions.Sessions() {
		if sess.Participant(c.UserID()) == nil {
			continue
		}
		if err := s.sessions.ReleaseLock(sess.ID, c.UserID(), p.LockID); err == nil {
			return
		}
	}
	s.sendError(c, e.Type, protocol.CodeNotFound, "lock not held")
}

// handleCommentAdd posts a comment and broadcasts comment:added on the
// entity's session channel when a session exists. The comment is always
// archived and always acknowledged to the author.
func (s *Service) handleCommentAdd(c *connection.Conn, e *protocol.Envelope) {
	var p protocol.CommentAdd
	if err := e.Decode(&p); err != nil {
		s.sendError(c, e.Type, protocol.CodeMalformed, err.Error())
		return
	}

	var anchor *comment.Anchor
	if p.FieldPath != "" {
		anchor = &comment.Anchor{
			FieldPath:      p.FieldPath,
			SelectionStart: p.SelectionStart,
			SelectionEnd:   p.SelectionEnd,
			QuotedText:     p.QuotedText,
		}
	}

	posted, err := s.comments.Add(p.EntityType, p.EntityID, c.UserID(), c.UserName(), p.Content, anchor, p.ParentID)
	if err != nil {
		s.sendError(c, e.Type, protocol.CodeNotFound, err.Error())
		return
	}
	s.stats.CommentPosted()
	s.archive.AppendComment(*posted)
	s.broadcastComment(c, protocol.TypeCommentAdded, posted)
}

func (s *Service) handleCommentResolve(c *connection.Conn, e *protocol.Envelope) {
	var p protocol.CommentResolve
	if err := e.Decode(&p); err != nil {
		s.sendError(c, e.Type, protocol.CodeMalformed, err.Error())
		return
	}

	resolved, err := s.comments.Resolve(p.CommentID, c.UserID())
	if err != nil {
		s.sendError(c, e.Type, protocol.CodeNotFound, err.Error())
		return
	}
	s.broadcastComment(c, protocol.TypeCommentResolved, resolved)
}

// broadcastComment fans a comment event out on the entity's session channel,
// falling back to a direct acknowledgment when no one is collaborating there.
func (s *Service) broadcastComment(c *connection.Conn, msgType string, cm *comment.Comment) {
	env := protocol.NewEnvelope(msgType, cm).From(c.UserID())
	if sess := s.sessions.ForEntity(cm.EntityType, cm.EntityID); sess != nil {
		s.router.Publish(sess.Channel(), env)
		return
	}
	c.Send(env)
}

func (s *Service) handleSubscribe(c *connection.Conn, e *protocol.Envelope) {
	var p protocol.Subscribe
	if err := e.Decode(&p); err != nil {
		s.sendError(c, e.Type, protocol.CodeMalformed, err.Error())
		return
	}
	s.router.Subscribe(p.Channel, c)
}

func (s *Service) handleUnsubscribe(c *connection.Conn, e *protocol.Envelope) {
	var p protocol.Unsubscribe
	if err := e.Decode(&p); err != nil {
		s.sendError(c, e.Type, protocol.CodeMalformed, err.Error())
		return
	}
	s.router.Unsubscribe(p.Channel, c.ID())
}
