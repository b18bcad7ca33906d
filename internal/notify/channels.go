package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/untibullet/pr-router/internal/models"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
)

var errNoAddress = errors.New("recipient has no address for channel")

// LogChannel пишет уведомления в лог, используется как канал по умолчанию
type LogChannel struct {
	logger *zap.Logger
}

func NewLogChannel(logger *zap.Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Send(_ context.Context, to models.Reviewer, msg Message) error {
	c.logger.Info("notification",
		zap.String("kind", msg.Kind),
		zap.String("recipient", to.ID),
		zap.String("assignment_id", msg.Assignment.ID),
		zap.String("subject", msg.Subject))
	return nil
}

// SMTPConfig параметры почтового сервера
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// EmailChannel отправляет уведомления письмом
type EmailChannel struct {
	cfg    SMTPConfig
	dialer *gomail.Dialer
}

func NewEmailChannel(cfg SMTPConfig) *EmailChannel {
	return &EmailChannel{
		cfg:    cfg,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
	}
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) Send(ctx context.Context, to models.Reviewer, msg Message) error {
	if to.Email == "" {
		return errNoAddress
	}

	m := gomail.NewMessage()
	m.SetHeader("From", c.cfg.From)
	m.SetHeader("To", to.Email)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Body)

	// gomail не принимает контекст, поэтому ограничиваем ожидание снаружи
	done := make(chan error, 1)
	go func() {
		done <- c.dialer.DialAndSend(m)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to send email: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SlackChannel отправляет уведомления во входящий вебхук Slack
type SlackChannel struct {
	webhookURL string
	client     *http.Client
}

func NewSlackChannel(webhookURL string, timeout time.Duration) *SlackChannel {
	return &SlackChannel{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: timeout},
	}
}

func (c *SlackChannel) Name() string { return "slack" }

func (c *SlackChannel) Send(ctx context.Context, to models.Reviewer, msg Message) error {
	mention := to.Username
	if to.SlackID != "" {
		mention = fmt.Sprintf("<@%s>", to.SlackID)
	}

	payload := map[string]any{
		"text": fmt.Sprintf("%s *%s*\n%s", mention, msg.Subject, msg.Body),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call slack webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}
