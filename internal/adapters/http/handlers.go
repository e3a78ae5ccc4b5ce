package http

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	stdhttp "net/http"
	"strconv"
	"strings"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Pulse/internal/adapters/signal"
	"github.com/dkeye/Pulse/internal/adapters/storage"
	"github.com/dkeye/Pulse/internal/adapters/store"
	"github.com/dkeye/Pulse/internal/app"
	"github.com/dkeye/Pulse/internal/app/orch"
	"github.com/dkeye/Pulse/internal/config"
	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
)

const defaultSTUN = "stun:stun.l.google.com:19302"

type handlers struct {
	orch        *orch.Orchestrator
	identity    core.IdentityProvider
	messages    core.MessageStore
	groups      core.GroupDirectory
	attachments core.AttachmentStore
	attIndex    AttachmentIndex
	groupAdmin  GroupAdmin
	iceServers  []webrtc.ICEServer
	maxUpload   int64
}

func iceServers(cfg []config.ICEServerConfig) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(cfg)+1)
	hasSTUN := false
	for _, s := range cfg {
		for _, u := range s.URLs {
			if strings.HasPrefix(u, "stun:") {
				hasSTUN = true
			}
		}
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if !hasSTUN {
		servers = append([]webrtc.ICEServer{{URLs: []string{defaultSTUN}}}, servers...)
	}
	return servers
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(stdhttp.StatusOK, gin.H{"status": "ok"})
}

func (h *handlers) listICEServers(c *gin.Context) {
	c.JSON(stdhttp.StatusOK, gin.H{"iceServers": h.iceServers})
}

// createSession exchanges a bearer token for a cookie session so browser
// sockets can authenticate on upgrade.
func (h *handlers) createSession(c *gin.Context) {
	tok := bearerToken(c)
	if tok == "" || h.identity == nil {
		abortError(c, stdhttp.StatusBadRequest, domain.CodeInvalidMessage, "bearer token required")
		return
	}
	user, err := h.identity.Verify(c.Request.Context(), tok)
	if err != nil {
		abortError(c, stdhttp.StatusUnauthorized, domain.CodeUnauthorized, "invalid token")
		return
	}
	s := sessions.Default(c)
	s.Set(sessionUserID, int64(user.ID))
	s.Set(sessionUserName, user.Name)
	s.Set(sessionUserRole, user.Role)
	if err := s.Save(); err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("save session")
		abortError(c, stdhttp.StatusInternalServerError, domain.CodeInternal, "could not save session")
		return
	}
	c.JSON(stdhttp.StatusOK, gin.H{"user": user})
}

func (h *handlers) deleteSession(c *gin.Context) {
	s := sessions.Default(c)
	s.Clear()
	s.Options(sessions.Options{Path: "/", MaxAge: -1})
	_ = s.Save()
	c.Status(stdhttp.StatusNoContent)
}

func (h *handlers) presence(c *gin.Context) {
	c.JSON(stdhttp.StatusOK, gin.H{"online": h.orch.Registry.OnlineUsers()})
}

func (h *handlers) videoRooms(c *gin.Context) {
	c.JSON(stdhttp.StatusOK, gin.H{"rooms": h.orch.Video.Rooms(), "capacity": h.orch.Video.Capacity()})
}

type historyItem struct {
	domain.NewMessageEvent
	Read bool `json:"is_read"`
}

// history returns one page of a conversation and marks the direct messages
// addressed to the caller as read.
func (h *handlers) history(c *gin.Context) {
	user, _ := signal.UserFrom(c)
	ctx := c.Request.Context()

	conv, err := conversationFrom(c.Query("recipient_id"), c.Query("group_id"))
	if err != nil {
		abortError(c, stdhttp.StatusBadRequest, domain.CodeInvalidMessage, err.Error())
		return
	}
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		abortError(c, stdhttp.StatusBadRequest, domain.CodeInvalidMessage, "bad page")
		return
	}
	if conv.GroupID != nil && !h.requireMember(c, *conv.GroupID, user.ID) {
		return
	}

	hp, err := h.messages.FetchHistory(ctx, user.ID, conv, page)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Str("user", user.ID.String()).Msg("fetch history")
		abortError(c, stdhttp.StatusInternalServerError, domain.CodeInternal, "could not load history")
		return
	}

	var toMark []domain.MessageID
	items := make([]historyItem, 0, len(hp.Messages))
	for i := range hp.Messages {
		m := &hp.Messages[i]
		if m.RecipientID != nil && *m.RecipientID == user.ID && !m.Read {
			toMark = append(toMark, m.ID)
			m.Read = true
		}
		items = append(items, historyItem{NewMessageEvent: domain.NewMessageFrom(m, m.SenderID == user.ID), Read: m.Read})
	}
	if err := h.messages.MarkRead(ctx, user.ID, toMark); err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Str("user", user.ID.String()).Msg("mark read")
	}
	unread, err := h.messages.UnreadCount(ctx, user.ID)
	if err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Str("user", user.ID.String()).Msg("unread count")
	}

	c.JSON(stdhttp.StatusOK, gin.H{
		"messages":     items,
		"unread_count": unread,
		"has_more":     hp.HasMore,
		"page":         hp.Page,
	})
}

// sendMessage is the multipart form path: the attachment is stored first,
// then the message goes through the same relay as socket sends.
func (h *handlers) sendMessage(c *gin.Context) {
	user, _ := signal.UserFrom(c)
	ctx := c.Request.Context()

	msg := &domain.Message{SenderID: user.ID, SenderName: user.Name, Content: c.PostForm("content")}
	if v := c.PostForm("recipient_id"); v != "" {
		id, err := domain.ParseUserID(v)
		if err != nil {
			abortError(c, stdhttp.StatusBadRequest, domain.CodeInvalidMessage, "bad recipient_id")
			return
		}
		msg.RecipientID = &id
	}
	if v := c.PostForm("group_id"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			abortError(c, stdhttp.StatusBadRequest, domain.CodeInvalidMessage, "bad group_id")
			return
		}
		g := domain.GroupID(n)
		msg.GroupID = &g
	}
	file, err := c.FormFile("file")
	if err != nil && !errors.Is(err, stdhttp.ErrMissingFile) {
		abortError(c, stdhttp.StatusBadRequest, domain.CodeInvalidMessage, "bad multipart form")
		return
	}
	if file != nil {
		msg.AttachmentRef = "pending"
	}
	if err := msg.Validate(); err != nil {
		abortError(c, stdhttp.StatusBadRequest, domain.CodeInvalidMessage, err.Error())
		return
	}
	if msg.GroupID != nil && !h.requireMember(c, *msg.GroupID, user.ID) {
		return
	}

	if file != nil {
		ref, err := h.saveUpload(c, file)
		if err != nil {
			return
		}
		msg.AttachmentRef = ref
		msg.AttachmentName = domain.AttachmentName(ref)
	}

	receipt, err := h.orch.Relay.Send(ctx, msg)
	if err != nil {
		status := stdhttp.StatusInternalServerError
		if errors.Is(err, domain.ErrInvalidMessage) {
			status = stdhttp.StatusBadRequest
		}
		abortError(c, status, app.ErrorCode(err), err.Error())
		return
	}
	c.JSON(stdhttp.StatusOK, gin.H{
		"status":     "success",
		"message_id": receipt.MessageID,
		"timestamp":  receipt.Timestamp,
		"delivered":  receipt.Delivered,
	})
}

func (h *handlers) uploadAttachment(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		abortError(c, stdhttp.StatusBadRequest, domain.CodeInvalidMessage, "file required")
		return
	}
	ref, err := h.saveUpload(c, file)
	if err != nil {
		return
	}
	c.JSON(stdhttp.StatusCreated, gin.H{"attachment_ref": ref, "name": domain.AttachmentName(ref)})
}

// saveUpload writes the error response itself.
func (h *handlers) saveUpload(c *gin.Context, fh *multipart.FileHeader) (string, error) {
	if h.maxUpload > 0 && fh.Size > h.maxUpload {
		abortError(c, stdhttp.StatusRequestEntityTooLarge, domain.CodeInvalidMessage, "attachment too large")
		return "", storage.ErrTooLarge
	}
	f, err := fh.Open()
	if err != nil {
		abortError(c, stdhttp.StatusBadRequest, domain.CodeInvalidMessage, "cannot read upload")
		return "", err
	}
	defer f.Close()

	ref, err := h.attachments.Save(c.Request.Context(), fh.Filename, f)
	if err != nil {
		if errors.Is(err, storage.ErrTooLarge) {
			abortError(c, stdhttp.StatusRequestEntityTooLarge, domain.CodeInvalidMessage, "attachment too large")
			return "", err
		}
		log.Error().Err(err).Str("module", "adapters.http").Msg("save attachment")
		abortError(c, stdhttp.StatusInternalServerError, domain.CodeInternal, "could not store attachment")
		return "", err
	}
	return ref, nil
}

// downloadAttachment serves an attachment to the participants of the
// conversation whose message carries it. Anyone else gets 404.
func (h *handlers) downloadAttachment(c *gin.Context) {
	user, _ := signal.UserFrom(c)
	ref := c.Param("id") + "/" + c.Param("name")
	if !h.canRead(c, ref, user.ID) {
		return
	}
	rc, err := h.attachments.Open(c.Request.Context(), ref)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrBadRef), errors.Is(err, storage.ErrNotFound):
			abortError(c, stdhttp.StatusNotFound, "NOT_FOUND", "attachment not found")
		default:
			log.Error().Err(err).Str("module", "adapters.http").Msg("open attachment")
			abortError(c, stdhttp.StatusInternalServerError, domain.CodeInternal, "could not open attachment")
		}
		return
	}
	defer rc.Close()

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", domain.AttachmentName(ref)))
	c.Header("Content-Type", "application/octet-stream")
	c.Status(stdhttp.StatusOK)
	if _, err := io.Copy(c.Writer, rc); err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Msg("stream attachment")
	}
}

// canRead writes the error response itself.
func (h *handlers) canRead(c *gin.Context, ref string, uid domain.UserID) bool {
	notFound := func() bool {
		abortError(c, stdhttp.StatusNotFound, "NOT_FOUND", "attachment not found")
		return false
	}
	if h.attIndex == nil {
		return notFound()
	}
	msg, ok, err := h.attIndex.MessageByAttachment(c.Request.Context(), ref)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("attachment lookup")
		abortError(c, stdhttp.StatusInternalServerError, domain.CodeInternal, "could not open attachment")
		return false
	}
	if !ok {
		return notFound()
	}
	switch {
	case msg.SenderID == uid:
		return true
	case msg.RecipientID != nil:
		if *msg.RecipientID == uid {
			return true
		}
		return notFound()
	case msg.GroupID != nil:
		member, err := h.groups.IsMember(c.Request.Context(), *msg.GroupID, uid)
		if err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Msg("group membership")
			abortError(c, stdhttp.StatusInternalServerError, domain.CodeInternal, "could not check membership")
			return false
		}
		if member {
			return true
		}
	}
	return notFound()
}

type createGroupRequest struct {
	Name    string          `json:"name" binding:"required,max=100"`
	Members []domain.UserID `json:"members" binding:"required,min=1"`
}

func (h *handlers) createGroup(c *gin.Context) {
	user, _ := signal.UserFrom(c)
	var req createGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, stdhttp.StatusBadRequest, domain.CodeInvalidMessage, err.Error())
		return
	}
	for _, m := range req.Members {
		if m <= 0 {
			abortError(c, stdhttp.StatusBadRequest, domain.CodeInvalidMessage, "bad member id")
			return
		}
	}
	gid, err := h.groupAdmin.CreateGroup(c.Request.Context(), strings.TrimSpace(req.Name), user.ID, req.Members)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Str("user", user.ID.String()).Msg("create group")
		abortError(c, stdhttp.StatusInternalServerError, domain.CodeInternal, "could not create group")
		return
	}
	log.Info().Str("module", "adapters.http").Str("user", user.ID.String()).Str("group", gid.String()).Int("members", len(req.Members)).Msg("group created")
	c.JSON(stdhttp.StatusCreated, gin.H{"group_id": gid, "room_id": domain.GroupRoom(gid)})
}

type addMemberRequest struct {
	UserID domain.UserID `json:"user_id" binding:"required"`
}

func (h *handlers) addGroupMember(c *gin.Context) {
	user, _ := signal.UserFrom(c)
	n, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || n <= 0 {
		abortError(c, stdhttp.StatusBadRequest, domain.CodeInvalidMessage, "bad group id")
		return
	}
	gid := domain.GroupID(n)
	var req addMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID <= 0 {
		abortError(c, stdhttp.StatusBadRequest, domain.CodeInvalidMessage, "user_id required")
		return
	}
	if !h.requireMember(c, gid, user.ID) {
		return
	}
	if err := h.groupAdmin.AddMember(c.Request.Context(), gid, req.UserID); err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Str("group", gid.String()).Msg("add group member")
		abortError(c, stdhttp.StatusInternalServerError, domain.CodeInternal, "could not add member")
		return
	}
	c.Status(stdhttp.StatusNoContent)
}

// deleteGroup removes the group with its history and memberships, then
// drops the live group room so connected members stop receiving its traffic.
func (h *handlers) deleteGroup(c *gin.Context) {
	user, _ := signal.UserFrom(c)
	n, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || n <= 0 {
		abortError(c, stdhttp.StatusBadRequest, domain.CodeInvalidMessage, "bad group id")
		return
	}
	gid := domain.GroupID(n)
	if err := h.groupAdmin.DeleteGroup(c.Request.Context(), gid, user); err != nil {
		switch {
		case errors.Is(err, store.ErrGroupNotFound):
			abortError(c, stdhttp.StatusNotFound, "NOT_FOUND", err.Error())
		case errors.Is(err, store.ErrNotGroupOwner):
			abortError(c, stdhttp.StatusForbidden, domain.CodeForbidden, err.Error())
		default:
			log.Error().Err(err).Str("module", "adapters.http").Str("group", gid.String()).Msg("delete group")
			abortError(c, stdhttp.StatusInternalServerError, domain.CodeInternal, "could not delete group")
		}
		return
	}
	dropped := h.orch.Rooms.Dissolve(domain.GroupRoom(gid))
	log.Info().Str("module", "adapters.http").Str("user", user.ID.String()).Str("group", gid.String()).Int("live_conns", dropped).Msg("group deleted")
	c.Status(stdhttp.StatusNoContent)
}

func (h *handlers) requireMember(c *gin.Context, g domain.GroupID, uid domain.UserID) bool {
	ok, err := h.groups.IsMember(c.Request.Context(), g, uid)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("group membership")
		abortError(c, stdhttp.StatusInternalServerError, domain.CodeInternal, "could not check membership")
		return false
	}
	if !ok {
		abortError(c, stdhttp.StatusForbidden, domain.CodeForbidden, app.ErrNotGroupMember.Error())
		return false
	}
	return true
}

func conversationFrom(recipient, group string) (domain.Conversation, error) {
	var conv domain.Conversation
	if recipient != "" {
		id, err := domain.ParseUserID(recipient)
		if err != nil {
			return conv, errors.New("bad recipient_id")
		}
		conv.PeerID = &id
	}
	if group != "" {
		n, err := strconv.ParseInt(group, 10, 64)
		if err != nil || n <= 0 {
			return conv, errors.New("bad group_id")
		}
		g := domain.GroupID(n)
		conv.GroupID = &g
	}
	if !conv.Valid() {
		return conv, errors.New("exactly one of recipient_id or group_id is required")
	}
	return conv, nil
}
