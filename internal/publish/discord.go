package publish

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"path/filepath"

	"github.com/bwmarrin/discordgo"

	"github.com/picvault/picvault/internal/tenant"
)

const discordCaptionMax = 2000

// Discord posts the image file with the caption as message content to a
// fixed channel. Send-only: the session never opens a gateway connection.
type Discord struct {
	session   *discordgo.Session
	channelID string
	token     string
}

func newDiscord(p tenant.Publisher, _ Deps) (*Discord, error) {
	if p.Credential == "" {
		return nil, fmt.Errorf("discord: no bot token")
	}
	if p.ChannelID == "" {
		return nil, fmt.Errorf("discord: no channel_id")
	}
	session, err := discordgo.New("Bot " + p.Credential)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	return &Discord{session: session, channelID: p.ChannelID, token: p.Credential}, nil
}

func (d *Discord) Name() string  { return tenant.TypeDiscord }
func (d *Discord) Enabled() bool { return true }

func (d *Discord) Publish(ctx context.Context, img ImageRef, caption string, _ Meta) Result {
	msg, err := d.session.ChannelMessageSendComplex(d.channelID, &discordgo.MessageSend{
		Content: truncateRunes(caption, discordCaptionMax),
		Files: []*discordgo.File{{
			Name:        img.Filename,
			ContentType: mime.TypeByExtension(filepath.Ext(img.Filename)),
			Reader:      bytes.NewReader(img.Data),
		}},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return failure(err, d.token)
	}
	return Result{Success: true, PostID: msg.ID}
}
