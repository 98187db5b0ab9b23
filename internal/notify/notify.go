// Package notify sends transactional emails through Resend.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"

	"github.com/resend/resend-go/v2"
)

// ModelReadySubject is the subject of the training-finished email.
const ModelReadySubject = "¡Tu modelo de IA está listo!"

var modelReadyTmpl = template.Must(template.New("model-ready").Parse(
	`<h2>¡Buenas noticias!</h2>` +
		`<p>Tu modelo de IA '{{.}}' ha completado su entrenamiento.</p>` +
		`<p>Ya puedes empezar a generar imágenes. Se ha utilizado 1 crédito de tu cuenta para este entrenamiento.</p>` +
		`<p>¡Gracias por usar Sesiones Fotos IA!</p>`))

// Notifier sends user notifications.
type Notifier interface {
	// ModelReady tells to that the model titled title finished training. key
	// deduplicates sends of the same notification.
	ModelReady(ctx context.Context, to, title, key string) error
}

// Resend sends email with the Resend API.
type Resend struct {
	client *resend.Client
	from   string
}

// NewResend creates a Resend notifier.
func NewResend(apiKey, from string) *Resend {
	return &Resend{client: resend.NewClient(apiKey), from: from}
}

// ModelReadyHTML renders the training-finished email body.
func ModelReadyHTML(title string) (string, error) {
	if title == "" {
		title = "sin nombre"
	}
	var buf bytes.Buffer
	if err := modelReadyTmpl.Execute(&buf, title); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (r *Resend) ModelReady(ctx context.Context, to, title, key string) error {
	html, err := ModelReadyHTML(title)
	if err != nil {
		return fmt.Errorf("render email: %w", err)
	}

	req := &resend.SendEmailRequest{
		From:    r.from,
		To:      []string{to},
		Subject: ModelReadySubject,
		Html:    html,
	}
	sent, err := r.client.Emails.SendWithOptions(ctx, req, &resend.SendEmailOptions{IdempotencyKey: key})
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	if sent.Id == "" {
		return fmt.Errorf("send email: empty message id")
	}
	return nil
}

// Nop discards notifications. It is used when no API key is configured.
type Nop struct{}

func (Nop) ModelReady(context.Context, string, string, string) error { return nil }
