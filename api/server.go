// Package api exposes the conversation services over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"convsync/chat"
	"convsync/logging"
	"convsync/metrics"
	"convsync/models"
	"convsync/storage"
)

const (
	// HeaderUserID carries the authenticated user id, set by the marketplace gateway.
	HeaderUserID = models.HeaderUserID
	// HeaderRequestID correlates a request across logs.
	HeaderRequestID = "X-Request-ID"
	// BasePath prefixes every API route.
	BasePath = models.APIBasePath

	readHeaderTimeout = 10 * time.Second
)

// ConversationService is the subset of chat.ConversationService the API uses.
type ConversationService interface {
	CreateOrGetConversation(ctx context.Context, initiatorID int64, participantIDs []int64, opts chat.CreateOptions) (*chat.CreateResult, error)
	GetConversation(ctx context.Context, conversationID, viewerID int64) (*models.Conversation, error)
	ListConversations(ctx context.Context, userID int64) ([]models.Conversation, error)
	AddParticipants(ctx context.Context, conversationID, requesterID int64, userIDs []int64) (*chat.AddParticipantsResult, error)
}

// MessageService is the subset of chat.MessageService the API uses.
type MessageService interface {
	AppendMessage(ctx context.Context, in chat.AppendInput) (*models.Message, error)
	FetchMessages(ctx context.Context, conversationID, viewerID int64, q models.PageQuery) (*models.MessagePage, error)
	MarkConversationAsRead(ctx context.Context, conversationID, userID int64) (*models.ReadState, error)
	EditMessage(ctx context.Context, conversationID, messageID, editorID int64, content string) (*models.Message, error)
	DeleteMessage(ctx context.Context, conversationID, messageID, requesterID int64) error
}

// PresenceTracker records activity and answers batched presence lookups.
type PresenceTracker interface {
	Touch(ctx context.Context, userID int64) error
	GetPresenceBatch(ctx context.Context, userIDs []int64) (map[int64]models.Presence, error)
}

// Directory is the user directory mirror.
type Directory interface {
	UpsertUser(ctx context.Context, user storage.User) error
	GetUser(ctx context.Context, id int64) (*storage.User, error)
	SearchUsers(ctx context.Context, query string, limit int) ([]storage.User, error)
}

// Dependencies wires the router. Presence, Metrics and Health are optional.
type Dependencies struct {
	Conversations ConversationService
	Messages      MessageService
	Presence      PresenceTracker
	Users         Directory
	Health        func(ctx context.Context) error

	Metrics        *metrics.Metrics
	Logger         zerolog.Logger
	AllowedOrigins []string
}

type handler struct {
	deps Dependencies
	log  zerolog.Logger
}

// NewRouter builds the gin engine serving the API.
func NewRouter(deps Dependencies) *gin.Engine {
	h := &handler{deps: deps, log: logging.Component(deps.Logger, "api")}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware(deps.AllowedOrigins))
	r.Use(requestIDMiddleware())
	r.Use(accessLogMiddleware(h.log))
	r.Use(metricsMiddleware(deps.Metrics))

	r.GET("/healthz", h.health)
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	v1 := r.Group(BasePath)
	v1.Use(identityMiddleware(deps.Presence, h.log))
	{
		v1.POST("/conversations", h.createConversation)
		v1.GET("/conversations", h.listConversations)
		v1.GET("/conversations/:id", h.getConversation)
		v1.POST("/conversations/:id/participants", h.addParticipants)
		v1.GET("/conversations/:id/messages", h.fetchMessages)
		v1.POST("/conversations/:id/messages", h.appendMessage)
		v1.PATCH("/conversations/:id/messages/:messageId", h.editMessage)
		v1.DELETE("/conversations/:id/messages/:messageId", h.deleteMessage)
		v1.POST("/conversations/:id/read", h.markRead)

		v1.GET("/presence", h.presenceBatch)
		v1.GET("/users", h.searchUsers)
		v1.PUT("/users/:id", h.upsertUser)
	}

	return r
}

// Server serves an http.Handler on its own listener.
type Server struct {
	listener net.Listener
	http     *http.Server

	errs      chan error
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen binds address and starts serving handler. Port 0 picks a free port.
func Listen(address string, handler http.Handler) (*Server, error) {
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	s := &Server{
		listener: listener,
		http: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: readHeaderTimeout,
		},
		errs: make(chan error, 1),
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.errs <- fmt.Errorf("serve http: %w", err)
		}
	}()
	return s, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Port returns the bound TCP port.
func (s *Server) Port() int {
	if tcp, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// Errors reports a fatal serve error.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Shutdown stops accepting requests and waits for active ones until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.closeOnce.Do(func() {
		shutdownErr = s.http.Shutdown(ctx)
		s.wg.Wait()
		close(s.errs)
	})
	return shutdownErr
}
