// ABOUTME: Matrix room delivery as an optional second alert channel
// ABOUTME: Posts the title and body as a plain-text message

package notify

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/2389/stillsafe-gateway/internal/apperr"
)

// MatrixConfig identifies the bot account and target room.
type MatrixConfig struct {
	Homeserver  string
	UserID      string
	AccessToken string
	RoomID      string
}

type matrixClient interface {
	SendText(ctx context.Context, roomID id.RoomID, text string) (*mautrix.RespSendEvent, error)
}

// MatrixSender posts alerts to a Matrix room.
type MatrixSender struct {
	client matrixClient
	room   id.RoomID
}

// NewMatrixSender creates a sender logged in with an existing access token.
func NewMatrixSender(cfg MatrixConfig) (*MatrixSender, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	return &MatrixSender{client: client, room: id.RoomID(cfg.RoomID)}, nil
}

func (m *MatrixSender) Notify(ctx context.Context, msg Message) error {
	if _, err := m.client.SendText(ctx, m.room, msg.Title+"\n"+msg.Body); err != nil {
		return apperr.Wrap(apperr.KindDeliveryFailed, err, "matrix send failed")
	}
	return nil
}
