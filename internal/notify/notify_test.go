package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingBus struct{ domain.EventBus }

func (failingBus) Publish(context.Context, string, []byte) error {
	return errors.New("bus down")
}

func TestNewViolationNotice(t *testing.T) {
	sender := domain.AccountSnapshot{ID: "s", Email: "ada@example.com", FirstName: "Ada"}
	tr := &domain.Transfer{ID: "tr-1", ViolationReport: "Recipient account is new.\n"}

	n := NewViolationNotice(sender, tr)
	assert.Equal(t, ViolationNotice{
		TransferID:           "tr-1",
		RecipientEmail:       "ada@example.com",
		RecipientDisplayName: "Ada",
		ViolationReportText:  "Recipient account is new.\n",
	}, n)
}

func TestDispatcherPublishes(t *testing.T) {
	b := bus.NewChannelBus(10)
	defer b.Close()
	ctx := context.Background()

	received := make(chan *domain.Message, 1)
	_, err := b.Subscribe(ctx, domain.TopicTransferFlagged, func(_ context.Context, msg *domain.Message) error {
		received <- msg
		return nil
	})
	require.NoError(t, err)

	d := NewDispatcher(b, nil)
	d.Notify(ctx, ViolationNotice{TransferID: "tr-1", RecipientEmail: "ada@example.com", ViolationReportText: "x\n"})

	select {
	case msg := <-received:
		var n ViolationNotice
		require.NoError(t, json.Unmarshal(msg.Payload, &n))
		assert.Equal(t, "tr-1", n.TransferID)
		assert.Equal(t, "ada@example.com", n.RecipientEmail)
	case <-time.After(time.Second):
		t.Fatal("notice not delivered")
	}
}

func TestDispatcherSwallowsErrors(t *testing.T) {
	d := NewDispatcher(failingBus{}, nil)

	assert.NotPanics(t, func() {
		d.Notify(context.Background(), ViolationNotice{TransferID: "tr-1", RecipientEmail: "a@example.com"})
	})
	assert.Error(t, d.Publish(context.Background(), ViolationNotice{TransferID: "tr-1", RecipientEmail: "a@example.com"}))
	assert.Error(t, d.Publish(context.Background(), ViolationNotice{TransferID: "tr-2"}), "notice without recipient")
}

func TestNewMailer(t *testing.T) {
	m, err := NewMailer(domain.NotificationConfig{Mailer: "log"})
	require.NoError(t, err)
	assert.IsType(t, LogMailer{}, m)

	_, err = NewMailer(domain.NotificationConfig{Mailer: "smtp"})
	assert.Error(t, err, "smtp without host")

	m, err = NewMailer(domain.NotificationConfig{Mailer: "smtp", SMTPHost: "mail.local"})
	require.NoError(t, err)
	assert.IsType(t, &SMTPMailer{}, m)

	_, err = NewMailer(domain.NotificationConfig{Mailer: "pigeon"})
	assert.Error(t, err)
}

func TestSMTPMailer(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg string

	m := &SMTPMailer{
		Host:     "mail.local",
		Port:     2525,
		Username: "user",
		Password: "secret",
		send: func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
			gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, string(msg)
			return nil
		},
	}

	err := m.Send(context.Background(), Email{
		From:    "alerts@kestrel.local",
		To:      "ada@example.com",
		Subject: "Policy Violation Detected\r\nBcc: evil@example.com",
		HTML:    "Recipient account is new.<br>",
	})
	require.NoError(t, err)

	assert.Equal(t, "mail.local:2525", gotAddr)
	assert.Equal(t, "alerts@kestrel.local", gotFrom)
	assert.Equal(t, []string{"ada@example.com"}, gotTo)
	assert.Contains(t, gotMsg, "Content-Type: text/html")
	assert.True(t, strings.HasSuffix(gotMsg, "\r\n\r\nRecipient account is new.<br>"))
	assert.NotContains(t, gotMsg, "\r\nBcc:")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.Send(ctx, Email{To: "a@example.com"}), context.Canceled)
}
