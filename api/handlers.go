package api

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"convsync/chat"
	"convsync/models"
	"convsync/presence"
	"convsync/storage"
)

// Wire types shared with the client.
type (
	ConversationView           = models.ConversationView
	MessageRequest             = models.MessageRequest
	CreateConversationRequest  = models.CreateConversationRequest
	CreateConversationResponse = models.CreateConversationResponse
	AddParticipantsRequest     = models.AddParticipantsRequest
	AddParticipantsResponse    = models.AddParticipantsResponse
	EditMessageRequest         = models.EditMessageRequest
	UserRequest                = models.UserRequest
)

func viewOf(conv models.Conversation, viewerID int64) ConversationView {
	return ConversationView{Conversation: conv, DisplayName: chat.ConversationDisplayName(conv, viewerID)}
}

func (h *handler) health(c *gin.Context) {
	if h.deps.Health != nil {
		if err := h.deps.Health(c.Request.Context()); err != nil {
			h.log.Error().Err(err).Msg("health check failed")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handler) createConversation(c *gin.Context) {
	var req CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	opts := chat.CreateOptions{Title: req.Title, IsGroup: req.IsGroup}
	if req.InitialMessage != nil {
		opts.InitialMessage = &chat.MessageInput{
			Content:   req.InitialMessage.Content,
			Format:    req.InitialMessage.ContentFormat,
			ClientKey: req.InitialMessage.ClientKey,
		}
	}

	userID := currentUser(c)
	res, err := h.deps.Conversations.CreateOrGetConversation(c.Request.Context(), userID, req.ParticipantIDs, opts)
	if err != nil {
		h.writeError(c, err)
		return
	}

	status := http.StatusCreated
	if res.Existing {
		status = http.StatusOK
	}
	c.JSON(status, CreateConversationResponse{
		Conversation:   viewOf(res.Conversation, userID),
		Existing:       res.Existing,
		InitialMessage: res.InitialMessage,
	})
}

func (h *handler) listConversations(c *gin.Context) {
	userID := currentUser(c)
	conversations, err := h.deps.Conversations.ListConversations(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	views := make([]ConversationView, 0, len(conversations))
	for _, conv := range conversations {
		views = append(views, viewOf(conv, userID))
	}
	c.JSON(http.StatusOK, gin.H{"conversations": views})
}

func (h *handler) getConversation(c *gin.Context) {
	convID, ok := pathID(c, "id")
	if !ok {
		return
	}

	userID := currentUser(c)
	conv, err := h.deps.Conversations.GetConversation(c.Request.Context(), convID, userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(*conv, userID))
}

func (h *handler) addParticipants(c *gin.Context) {
	convID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req AddParticipantsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	userID := currentUser(c)
	res, err := h.deps.Conversations.AddParticipants(c.Request.Context(), convID, userID, req.UserIDs)
	if err != nil {
		h.writeError(c, err)
		return
	}

	added := res.Added
	if added == nil {
		added = []int64{}
	}
	c.JSON(http.StatusOK, AddParticipantsResponse{Conversation: viewOf(res.Conversation, userID), Added: added})
}

func (h *handler) fetchMessages(c *gin.Context) {
	convID, ok := pathID(c, "id")
	if !ok {
		return
	}

	var q models.PageQuery
	for name, dst := range map[string]**int64{"before": &q.Before, "after": &q.After} {
		raw := c.Query(name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			badRequest(c, name+" must be an integer")
			return
		}
		*dst = &v
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			badRequest(c, "limit must be an integer")
			return
		}
		q.Limit = limit
	}

	page, err := h.deps.Messages.FetchMessages(c.Request.Context(), convID, currentUser(c), q)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if page.Messages == nil {
		page.Messages = []models.Message{}
	}
	c.JSON(http.StatusOK, page)
}

func (h *handler) appendMessage(c *gin.Context) {
	convID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	msg, err := h.deps.Messages.AppendMessage(c.Request.Context(), chat.AppendInput{
		ConversationID: convID,
		SenderID:       currentUser(c),
		Content:        req.Content,
		Format:         req.ContentFormat,
		ClientKey:      req.ClientKey,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *handler) editMessage(c *gin.Context) {
	convID, ok := pathID(c, "id")
	if !ok {
		return
	}
	msgID, ok := pathID(c, "messageId")
	if !ok {
		return
	}
	var req EditMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	msg, err := h.deps.Messages.EditMessage(c.Request.Context(), convID, msgID, currentUser(c), req.Content)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (h *handler) deleteMessage(c *gin.Context) {
	convID, ok := pathID(c, "id")
	if !ok {
		return
	}
	msgID, ok := pathID(c, "messageId")
	if !ok {
		return
	}

	if err := h.deps.Messages.DeleteMessage(c.Request.Context(), convID, msgID, currentUser(c)); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) markRead(c *gin.Context) {
	convID, ok := pathID(c, "id")
	if !ok {
		return
	}

	state, err := h.deps.Messages.MarkConversationAsRead(c.Request.Context(), convID, currentUser(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *handler) presenceBatch(c *gin.Context) {
	if h.deps.Presence == nil {
		c.JSON(http.StatusOK, gin.H{"presence": []models.Presence{}})
		return
	}

	ids, err := parseIDList(c.Query("ids"))
	if err != nil {
		badRequest(c, "ids must be a comma separated list of integers")
		return
	}

	batch, err := h.deps.Presence.GetPresenceBatch(c.Request.Context(), ids)
	if err != nil {
		h.writeError(c, err)
		return
	}

	out := make([]models.Presence, 0, len(batch))
	for _, p := range batch {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	c.JSON(http.StatusOK, gin.H{"presence": out})
}

func (h *handler) searchUsers(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			badRequest(c, "limit must be an integer")
			return
		}
		limit = v
	}

	users, err := h.deps.Users.SearchUsers(c.Request.Context(), c.Query("q"), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}

	out := make([]models.User, 0, len(users))
	for _, u := range users {
		out = append(out, toUser(u))
	}
	c.JSON(http.StatusOK, gin.H{"users": out})
}

// upsertUser lets a user publish their own directory entry.
func (h *handler) upsertUser(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if id != currentUser(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "cannot update another user"})
		return
	}
	var req UserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if strings.TrimSpace(req.DisplayName) == "" {
		badRequest(c, "display_name is required")
		return
	}

	ctx := c.Request.Context()
	err := h.deps.Users.UpsertUser(ctx, storage.User{
		ID:          id,
		DisplayName: req.DisplayName,
		Email:       strings.TrimSpace(req.Email),
		AvatarURL:   strings.TrimSpace(req.AvatarURL),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	user, err := h.deps.Users.GetUser(ctx, id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toUser(*user))
}

func toUser(u storage.User) models.User {
	return models.User{ID: u.ID, DisplayName: u.DisplayName, Email: u.Email, AvatarURL: u.AvatarURL}
}

// writeError maps service errors to responses. Missing and forbidden
// conversations share one body so membership cannot be probed.
func (h *handler) writeError(c *gin.Context, err error) {
	switch {
	case chat.IsNotAvailable(err), errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not available"})
	case errors.Is(err, chat.ErrInvalidInput):
		badRequest(c, invalidInputDetail(err))
	case errors.Is(err, presence.ErrBatchTooLarge):
		badRequest(c, err.Error())
	case errors.Is(err, chat.ErrTransientIO):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable", "retryable": true})
	default:
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("unhandled request error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// invalidInputDetail drops the operation and taxonomy prefixes so only the
// reason reaches the caller.
func invalidInputDetail(err error) string {
	msg := err.Error()
	marker := chat.ErrInvalidInput.Error()
	if i := strings.Index(msg, marker); i >= 0 {
		msg = strings.TrimPrefix(msg[i+len(marker):], ": ")
	}
	if msg == "" {
		return "invalid input"
	}
	return msg
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, name+" must be a positive integer")
		return 0, false
	}
	return id, true
}

func parseIDList(raw string) ([]int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
