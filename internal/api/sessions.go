package api

import (
	"html/template"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/zulandar/courier/internal/qr"
	"github.com/zulandar/courier/internal/session"
)

// ownedSession checks that id belongs to the caller, responding 403 if not.
func ownedSession(c *gin.Context, id string) bool {
	if !session.Owns(id, currentUser(c)) {
		fail(c, http.StatusForbidden, "Unauthorized session access.", nil)
		return false
	}
	return true
}

func (s *Server) handleCreateSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := currentUser(c)
		id := session.NewID(user, s.now())
		out, err := s.sessions.StartAndWait(c.Request.Context(), id, user, s.pairingTimeout)
		if err != nil {
			log.WithField("session", id).WithError(err).Warn("api: create session")
			failErr(c, err)
			return
		}

		switch out.Kind {
		case session.OutcomeCode:
			image := out.QR
			if image == "" {
				if image, err = qr.DataURL(out.Code); err != nil {
					fail(c, http.StatusInternalServerError, "Could not render pairing code", err)
					return
				}
			}
			generatedAt := s.now()
			if strings.Contains(c.GetHeader("Accept"), "text/html") {
				c.HTML(http.StatusOK, "pairing.html", gin.H{
					"SessionID":   id,
					"QR":          template.URL(image),
					"GeneratedAt": generatedAt.Format("15:04:05"),
				})
				return
			}
			ok(c, "Scan this QR code to log in", gin.H{
				"sessionId":     id,
				"qrGeneratedAt": generatedAt,
				"qr":            image,
			})
		case session.OutcomeConnected:
			ok(c, "Session connected", gin.H{"sessionId": id, "mobile": out.Mobile})
		case session.OutcomeConflict:
			fail(c, http.StatusConflict, "This number is already connected in another session", out.Err)
		default:
			fail(c, http.StatusInternalServerError, "Session could not be started", out.Err)
		}
	}
}

func (s *Server) handleLogout() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Query("sessionId")
		if id == "" {
			fail(c, http.StatusBadRequest, "sessionId is required", nil)
			return
		}
		if !ownedSession(c, id) {
			return
		}
		if err := s.sessions.Logout(c.Request.Context(), id); err != nil {
			failErr(c, err)
			return
		}
		ok(c, "Session '"+id+"' logged out successfully.", nil)
	}
}

func (s *Server) handleListSessions() gin.HandlerFunc {
	return func(c *gin.Context) {
		ids := s.sessions.Registry().IDsForUser(currentUser(c))
		if ids == nil {
			ids = []string{}
		}
		ok(c, "Active sessions fetched successfully", gin.H{"activeSessions": ids})
	}
}
