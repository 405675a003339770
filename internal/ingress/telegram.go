package ingress

import (
	"context"
	"fmt"
	"time"

	tele "gopkg.in/telebot.v4"

	"routined/internal/dispatch"
	logx "routined/pkg/logx"
)

// TelegramConfig configures the Telegram long-poll adapter.
type TelegramConfig struct {
	Token       string `json:"token" yaml:"token"`
	PollTimeout int    `json:"poll_timeout" yaml:"poll_timeout"` // seconds, 0 = 10
}

// TelegramAdapter feeds incoming text messages into the dispatcher on the
// "telegram" channel. It sends nothing back; routines act through their
// own actions.
type TelegramAdapter struct {
	bot *tele.Bot
	d   *dispatch.Dispatcher
	log logx.Logger
}

// NewTelegramAdapter builds the adapter and registers its handlers.
func NewTelegramAdapter(cfg TelegramConfig, d *dispatch.Dispatcher, log logx.Logger) (*TelegramAdapter, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := time.Duration(cfg.PollTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	a := &TelegramAdapter{bot: bot, d: d, log: log}
	bot.Handle(tele.OnText, a.onText)
	return a, nil
}

func (a *TelegramAdapter) onText(c tele.Context) error {
	text := c.Text()
	if text == "" {
		return nil
	}
	n := a.d.HandleMessage(context.Background(), "telegram", text)
	if n > 0 {
		a.log.Debug("telegram message matched routines",
			logx.Int64("chat", c.Chat().ID),
			logx.Int("launched", n))
	}
	return nil
}

// Run starts long polling and blocks until ctx is done.
func (a *TelegramAdapter) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		a.bot.Stop()
	}()
	a.log.Info("telegram adapter started", logx.String("bot", a.bot.Me.Username))
	a.bot.Start()
	return ctx.Err()
}
