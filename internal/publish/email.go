package publish

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/wneessen/go-mail"

	"github.com/picvault/picvault/internal/tenant"
)

const emailSubjectMax = 150

// Email posts by sending the image as an attachment to a platform inbox.
// FetLife publishing works the same way, pointed at the tenant's post-by-
// email address and sharing the tenant email server credential.
type Email struct {
	platform      string
	server        tenant.EmailServer
	recipient     string
	captionTarget string
	subjectMode   string
	confirmation  tenant.Confirmation
}

func newEmail(p tenant.Publisher, cfg *tenant.Config, _ Deps) (*Email, error) {
	if p.Recipient == "" {
		return nil, fmt.Errorf("%s: no recipient", p.Type)
	}
	var server tenant.EmailServer
	if cfg.EmailServer != nil {
		server = *cfg.EmailServer
	}
	if p.Type == tenant.TypeEmail && p.Credential != "" {
		server.Password = p.Credential
	}
	if server.SMTPServer == "" || server.Sender == "" {
		return nil, fmt.Errorf("%s: email server not configured", p.Type)
	}
	return &Email{
		platform:      p.Type,
		server:        server,
		recipient:     p.Recipient,
		captionTarget: defaultString(p.CaptionTarget, "both"),
		subjectMode:   defaultString(p.SubjectMode, "normal"),
		confirmation:  cfg.Confirmation,
	}, nil
}

func (e *Email) Name() string  { return e.platform }
func (e *Email) Enabled() bool { return true }

func (e *Email) Publish(ctx context.Context, img ImageRef, caption string, _ Meta) Result {
	msg := mail.NewMsg()
	if err := msg.From(e.server.Sender); err != nil {
		return failure(err, e.server.Password)
	}
	if err := msg.To(e.recipient); err != nil {
		return failure(err, e.server.Password)
	}
	msg.Subject(e.subject(img.Filename, caption))
	msg.SetBodyString(mail.TypeTextPlain, e.body(caption))
	if err := msg.AttachReader(img.Filename, bytes.NewReader(img.Data)); err != nil {
		return failure(err, e.server.Password)
	}

	msgs := []*mail.Msg{msg}
	if e.confirmation.Enabled && e.confirmation.Recipient != "" {
		confirm, err := e.confirmationCopy(img.Filename, caption)
		if err == nil {
			msgs = append(msgs, confirm)
		}
	}

	client, err := e.client()
	if err != nil {
		return failure(err, e.server.Password)
	}
	if err := client.DialAndSendWithContext(ctx, msgs...); err != nil {
		return failure(err, e.server.Password)
	}
	return Result{Success: true}
}

// subject composes the subject line. Private mode never leaks the caption
// into subject headers; avatar mode is the platform keyword for profile
// image updates.
func (e *Email) subject(filename, caption string) string {
	switch e.subjectMode {
	case "private":
		return "private"
	case "avatar":
		return "avatar"
	}
	if caption != "" && (e.captionTarget == "subject" || e.captionTarget == "both") {
		return truncateRunes(firstLine(caption), emailSubjectMax)
	}
	return stem(filename)
}

func (e *Email) body(caption string) string {
	if e.captionTarget == "body" || e.captionTarget == "both" {
		return caption
	}
	return ""
}

func (e *Email) confirmationCopy(filename, caption string) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(e.server.Sender); err != nil {
		return nil, err
	}
	if err := msg.To(e.confirmation.Recipient); err != nil {
		return nil, err
	}
	msg.Subject("posted: " + filename)
	msg.SetBodyString(mail.TypeTextPlain, caption)
	return msg, nil
}

func (e *Email) client() (*mail.Client, error) {
	opts := []mail.Option{mail.WithPort(e.server.SMTPPort)}
	if e.server.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(e.server.Username),
			mail.WithPassword(e.server.Password),
		)
	}
	switch {
	case !e.server.UseTLS:
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	case e.server.SMTPPort == 465:
		opts = append(opts, mail.WithSSLPort(false))
	default:
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSMandatory))
	}
	return mail.NewClient(e.server.SMTPServer, opts...)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func stem(filename string) string {
	if i := strings.LastIndexByte(filename, '.'); i > 0 {
		return filename[:i]
	}
	return filename
}
