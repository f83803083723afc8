package api

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/courier/internal/models"
	"github.com/zulandar/courier/internal/outbox"
	"github.com/zulandar/courier/internal/session"
	"github.com/zulandar/courier/internal/store"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

type sendMessageRequest struct {
	SessionID string `json:"sessionId"`
	To        string `json:"to"`
	Message   string `json:"message"`
	MediaURL  string `json:"mediaUrl"`
	Caption   string `json:"caption"`
}

// numberList accepts either a JSON array of numbers or a single string.
type numberList []string

func (n *numberList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*n = numberList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*n = many
	return nil
}

type sendMultipleRequest struct {
	SessionID string     `json:"sessionId"`
	Numbers   numberList `json:"numbers"`
	Message   string     `json:"message"`
	MediaURL  string     `json:"mediaUrl"`
	Caption   string     `json:"caption"`
	DelayMs   int        `json:"delayTime"`
}

type scheduleRequest struct {
	SessionID     string `json:"sessionId"`
	To            string `json:"to"`
	Message       string `json:"message"`
	MediaURL      string `json:"mediaUrl"`
	Caption       string `json:"caption"`
	ScheduledTime string `json:"scheduledTime"`
}

// bindJSON decodes the body and checks session ownership.
func bindJSON(c *gin.Context, v any, sessionID func() string) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		fail(c, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return ownedSession(c, sessionID())
}

func (s *Server) handleSendMessage() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req sendMessageRequest
		if !bindJSON(c, &req, func() string { return req.SessionID }) {
			return
		}
		msg, err := s.outbox.SendText(c.Request.Context(), outbox.SendRequest{
			SessionID: req.SessionID,
			User:      currentUser(c),
			To:        req.To,
			Message:   req.Message,
		})
		if err != nil {
			failErr(c, err)
			return
		}
		ok(c, "Message sent successfully", msg)
	}
}

func (s *Server) handleSendMedia() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req sendMessageRequest
		if !bindJSON(c, &req, func() string { return req.SessionID }) {
			return
		}
		msg, err := s.outbox.SendMedia(c.Request.Context(), outbox.SendRequest{
			SessionID: req.SessionID,
			User:      currentUser(c),
			To:        req.To,
			MediaURL:  req.MediaURL,
			Caption:   req.Caption,
		})
		if err != nil {
			failErr(c, err)
			return
		}
		kind := msg.ContentType
		if kind != "" {
			kind = strings.ToUpper(kind[:1]) + kind[1:]
		}
		ok(c, kind+" sent successfully", msg)
	}
}

func (s *Server) handleSendMultiple() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req sendMultipleRequest
		if !bindJSON(c, &req, func() string { return req.SessionID }) {
			return
		}
		res, err := s.outbox.SendBulk(c.Request.Context(), outbox.BulkRequest{
			SessionID: req.SessionID,
			User:      currentUser(c),
			Numbers:   req.Numbers,
			Message:   req.Message,
			MediaURL:  req.MediaURL,
			Caption:   req.Caption,
			Delay:     time.Duration(req.DelayMs) * time.Millisecond,
		})
		if err != nil {
			status := statusFor(err)
			c.JSON(status, envelope{Message: messageFor(status, err), Data: res})
			return
		}
		ok(c, "Message sent to "+strconv.Itoa(res.Sent)+" of "+strconv.Itoa(res.Requested)+" numbers", res)
	}
}

func (s *Server) handleScheduleMessage() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req scheduleRequest
		if !bindJSON(c, &req, func() string { return req.SessionID }) {
			return
		}
		at, err := outbox.ParseScheduledTime(req.ScheduledTime, s.outbox.Location())
		if err != nil {
			failErr(c, err)
			return
		}
		msg, err := s.outbox.Schedule(c.Request.Context(), outbox.ScheduleRequest{
			SessionID: req.SessionID,
			User:      currentUser(c),
			To:        req.To,
			Message:   req.Message,
			MediaURL:  req.MediaURL,
			Caption:   req.Caption,
			At:        at,
		})
		if err != nil {
			failErr(c, err)
			return
		}
		ok(c, "Message scheduled successfully.", msg)
	}
}

func (s *Server) handleListScheduled() gin.HandlerFunc {
	return func(c *gin.Context) {
		f := store.Filter{
			SenderID:  currentUser(c),
			Scheduled: store.Bool(true),
			Statuses:  []string{models.StatusPending},
		}
		if id := c.Query("sessionId"); id != "" {
			if !ownedSession(c, id) {
				return
			}
			f.SessionID = id
		}
		msgs, err := s.messages.Find(c.Request.Context(), f, store.Page{Order: "scheduled_time ASC, id ASC"})
		if err != nil {
			failErr(c, err)
			return
		}
		ok(c, "Scheduled messages fetched successfully", msgs)
	}
}

// visible reports whether the caller may read m.
func visible(m *models.Message, user string) bool {
	if m.SenderID != nil && *m.SenderID == user {
		return true
	}
	return session.Owns(m.SessionID, user)
}

func (s *Server) handleGetMessage() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.Query("messageId")
		if raw == "" {
			fail(c, http.StatusBadRequest, "messageId is required", nil)
			return
		}
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			fail(c, http.StatusBadRequest, "messageId must be numeric", nil)
			return
		}
		msg, err := s.messages.FindByID(c.Request.Context(), uint(id))
		if err != nil {
			failErr(c, err)
			return
		}
		if !visible(msg, currentUser(c)) {
			fail(c, http.StatusNotFound, "Message not found", nil)
			return
		}
		ok(c, "Message retrieved successfully", msg)
	}
}

func (s *Server) handleAllMessages() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := currentUser(c)
		if q := c.Query("userId"); q != "" && q != user {
			fail(c, http.StatusForbidden, "Cannot read another user's messages", nil)
			return
		}
		f := store.Filter{SenderID: user, SenderMobile: c.Query("senderMobile")}
		msgs, err := s.messages.Find(c.Request.Context(), f, store.Page{})
		if err != nil {
			failErr(c, err)
			return
		}
		ok(c, "Messages retrieved successfully", msgs)
	}
}

// historyStatuses maps the status query onto stored statuses.
func historyStatuses(status string) []string {
	switch status {
	case "sent":
		return []string{models.StatusSent, models.StatusScheduledSent}
	case "pending":
		return []string{models.StatusPending}
	case "failed":
		return []string{models.StatusFailed}
	default:
		return []string{models.StatusPending, models.StatusSent, models.StatusScheduledSent, models.StatusFailed}
	}
}

func queryInt(c *gin.Context, key string, def int) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func (s *Server) handleSentHistory() gin.HandlerFunc {
	return func(c *gin.Context) {
		page := queryInt(c, "page", 1)
		limit := queryInt(c, "limit", defaultPageSize)
		if limit > maxPageSize {
			limit = maxPageSize
		}
		f := store.Filter{
			SenderID:  currentUser(c),
			Direction: models.DirectionOutgoing,
			Statuses:  historyStatuses(c.Query("status")),
		}
		ctx := c.Request.Context()
		total, err := s.messages.Count(ctx, f)
		if err != nil {
			failErr(c, err)
			return
		}
		msgs, err := s.messages.Find(ctx, f, store.Page{
			Offset: (page - 1) * limit,
			Limit:  limit,
			Order:  "scheduled_status ASC, created_at DESC",
		})
		if err != nil {
			failErr(c, err)
			return
		}
		ok(c, "Sent messages retrieved successfully", gin.H{
			"currentPage":   page,
			"totalPages":    int(math.Ceil(float64(total) / float64(limit))),
			"totalMessages": total,
			"pageSize":      limit,
			"messages":      msgs,
		})
	}
}

func (s *Server) handleDashboardStats() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := currentUser(c)
		ctx := c.Request.Context()
		counts := []struct {
			key string
			f   store.Filter
		}{
			{"totalMessages", store.Filter{SenderID: user, Statuses: []string{models.StatusPending, models.StatusSent, models.StatusScheduledSent}}},
			{"scheduledMessages", store.Filter{SenderID: user, Scheduled: store.Bool(true), Statuses: []string{models.StatusPending}}},
			{"sentMessages", store.Filter{SenderID: user, Statuses: []string{models.StatusSent, models.StatusScheduledSent}}},
			{"failedMessages", store.Filter{SenderID: user, Statuses: []string{models.StatusFailed}}},
		}
		stats := gin.H{"activeSessions": len(s.sessions.Registry().IDsForUser(user))}
		for _, q := range counts {
			n, err := s.messages.Count(ctx, q.f)
			if err != nil {
				failErr(c, err)
				return
			}
			stats[q.key] = n
		}
		ok(c, "Dashboard stats fetched successfully", stats)
	}
}
