package publish

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/picvault/picvault/internal/tenant"
)

const (
	// Telegram rejects photos whose longest edge exceeds this.
	telegramMaxEdge = 1280
	// Photo captions are capped at 1024 characters by the Bot API.
	telegramCaptionMax = 1024

	telegramJPEGQuality = 85
)

// Telegram posts the image as a photo message to a chat or channel.
type Telegram struct {
	bot    *telego.Bot
	chatID telego.ChatID
	token  string
}

func newTelegram(p tenant.Publisher, _ Deps) (*Telegram, error) {
	if p.Credential == "" {
		return nil, fmt.Errorf("telegram: no bot token")
	}
	bot, err := telego.NewBot(p.Credential)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	chatID, err := parseChatID(p.ChatID)
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: bot, chatID: chatID, token: p.Credential}, nil
}

func (t *Telegram) Name() string  { return tenant.TypeTelegram }
func (t *Telegram) Enabled() bool { return true }

func (t *Telegram) Publish(ctx context.Context, img ImageRef, caption string, _ Meta) Result {
	data, err := fitPhoto(img.Data)
	if err != nil {
		// Send the original bytes and let the platform judge them.
		data = img.Data
	}

	params := tu.Photo(t.chatID, tu.File(tu.NameReader(bytes.NewReader(data), img.Filename)))
	if caption != "" {
		params = params.WithCaption(truncateRunes(caption, telegramCaptionMax))
	}

	msg, err := t.bot.SendPhoto(ctx, params)
	if err != nil {
		return failure(err, t.token)
	}
	return Result{Success: true, PostID: strconv.Itoa(msg.MessageID)}
}

// parseChatID accepts "@channelname" or a numeric chat ID.
func parseChatID(raw string) (telego.ChatID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return telego.ChatID{}, fmt.Errorf("telegram: no chat_id")
	}
	if strings.HasPrefix(raw, "@") {
		return tu.Username(raw), nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return telego.ChatID{}, fmt.Errorf("telegram: chat_id %q is neither @name nor numeric", raw)
	}
	return tu.ID(id), nil
}

// fitPhoto scales the image down so its longest edge is at most
// telegramMaxEdge, re-encoding as JPEG. Images already within bounds pass
// through untouched.
func fitPhoto(data []byte) ([]byte, error) {
	src, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	bounds := src.Bounds()
	if bounds.Dx() <= telegramMaxEdge && bounds.Dy() <= telegramMaxEdge {
		return data, nil
	}

	resized := imaging.Fit(src, telegramMaxEdge, telegramMaxEdge, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, imaging.JPEG, imaging.JPEGQuality(telegramJPEGQuality)); err != nil {
		return nil, fmt.Errorf("encode resized image: %w", err)
	}
	return buf.Bytes(), nil
}
