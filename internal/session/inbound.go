package session

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/zulandar/courier/internal/conn"
	"github.com/zulandar/courier/internal/models"
)

// recordInbound persists a message observed on a connected session. Messages
// sent from another device of the same account are stored as outgoing with
// the owner as sender. Redeliveries and echoes of our own sends are dropped
// by transport id. t.mu must be held.
func (c *Controller) recordInbound(t *tracked, in *conn.Inbound) {
	if strings.HasSuffix(in.RemoteJID, "@broadcast") {
		return
	}
	remote := conn.MobileFromJID(in.RemoteJID)
	if remote == "" {
		return
	}
	content := in.Text
	if content == "" {
		content = in.Caption
	}
	if content == "" && in.MediaURL == "" {
		return
	}

	fields := log.Fields{"session": t.id, "protocol_id": in.ProtocolID}
	ctx, cancel := context.WithTimeout(c.ctx, storeTimeout)
	defer cancel()

	seen, err := c.store.HasProtocolID(ctx, t.id, in.ProtocolID)
	if err != nil {
		log.WithFields(fields).WithError(err).Warn("session: duplicate check failed")
	}
	if seen {
		return
	}

	contentType := in.ContentType
	if contentType == "" {
		contentType = models.ContentText
	}
	now := c.now().UTC()
	msg := &models.Message{
		Content:         content,
		ContentType:     contentType,
		MediaURL:        in.MediaURL,
		Caption:         in.Caption,
		SessionID:       t.id,
		ScheduledStatus: models.StatusSent,
		SentAt:          &now,
		ProtocolID:      in.ProtocolID,
	}
	if in.FromMe {
		owner := t.owner
		msg.SenderID = &owner
		msg.SenderMobile = t.mobile
		msg.ReceiverMobile = remote
		msg.Direction = models.DirectionOutgoing
	} else {
		msg.SenderMobile = remote
		msg.ReceiverMobile = t.mobile
		msg.Direction = models.DirectionIncoming
	}

	if err := c.store.Insert(ctx, msg); err != nil {
		log.WithFields(fields).WithError(err).Warn("session: store inbound message")
	}
}
