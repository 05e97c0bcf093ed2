// Package matrix provides the Matrix client used for audit notices.
//
// Banken does not accept commands over Matrix; the client is send-only. It
// joins the configured audit room on startup and posts notices for lifecycle
// events.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Config holds Matrix client configuration.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// AuditRoom is the room ID lifecycle notices are posted to.
	AuditRoom string
}

// Client wraps the mautrix client for send-only notice delivery.
type Client struct {
	client *mautrix.Client
	config *Config
}

// New creates a new Matrix client and joins the audit room.
func New(config *Config) (*Client, error) {
	client, err := mautrix.NewClient(config.Homeserver, id.UserID(config.UserID), config.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}

	c := &Client{client: client, config: config}

	if config.AuditRoom != "" {
		if err := c.joinRoom(id.RoomID(config.AuditRoom)); err != nil {
			return nil, fmt.Errorf("failed to join audit room %s: %w", config.AuditRoom, err)
		}
	}

	return c, nil
}

// SendNotice sends a notice message (less intrusive than normal messages).
func (c *Client) SendNotice(roomID, message string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    message,
	}

	_, err := c.client.SendMessageEvent(context.Background(), id.RoomID(roomID), event.EventMessage, &content)
	if err != nil {
		return fmt.Errorf("failed to send notice: %w", err)
	}
	return nil
}

// joinRoom attempts to join a room.
func (c *Client) joinRoom(roomID id.RoomID) error {
	_, err := c.client.JoinRoomByID(context.Background(), roomID)
	if err != nil {
		// M_FORBIDDEN is returned by homeservers when the bot is already a member
		// of the room. Use mautrix's typed error check instead of string matching.
		if errors.Is(err, mautrix.MForbidden) {
			slog.Warn("joinRoom: already a member or access denied, continuing", "room", roomID)
			return nil
		}
		return err
	}
	return nil
}
