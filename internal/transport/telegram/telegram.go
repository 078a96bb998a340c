package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"courier/internal/transport"
	logx "courier/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// Adapter binds the opaque transport capability to the Telegram Bot API.
// Destinations are numeric chat IDs.
type Adapter struct {
	cfg Config
	log logx.Logger

	bot *tele.Bot

	runMu   sync.Mutex
	running bool
	events  chan transport.StateEvent
	stopped chan struct{}

	ready atomic.Bool
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

func (a *Adapter) Connect(ctx context.Context) (<-chan transport.StateEvent, error) {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil, errors.New("telegram adapter already connected")
	}
	a.running = true
	a.events = make(chan transport.StateEvent, 8)
	a.stopped = make(chan struct{})

	events := a.events
	stopped := a.stopped

	events <- transport.StateEvent{State: transport.StateOpening}

	go func() {
		// telebot validated the token in NewBot; Start only begins the
		// long-poll loop, so the session is usable immediately.
		a.ready.Store(true)
		events <- transport.StateEvent{State: transport.StateOpen}

		go a.bot.Start()

		select {
		case <-ctx.Done():
			a.bot.Stop()
		case <-stopped:
			a.bot.Stop()
		}

		a.ready.Store(false)
		events <- transport.StateEvent{State: transport.StateClosed, Cause: ctx.Err()}
		close(events)

		a.runMu.Lock()
		a.running = false
		a.runMu.Unlock()
	}()

	return events, nil
}

func (a *Adapter) Ready() bool { return a.ready.Load() }

func (a *Adapter) Close(ctx context.Context) error {
	a.runMu.Lock()
	stopped := a.stopped
	running := a.running
	a.runMu.Unlock()
	if !running || stopped == nil {
		return nil
	}
	select {
	case <-stopped:
	default:
		close(stopped)
	}
	return nil
}

func (a *Adapter) Send(ctx context.Context, destination string, p transport.Payload) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(destination), 10, 64)
	if err != nil {
		return fmt.Errorf("telegram destination %q: %w", destination, err)
	}
	to := tele.ChatID(chatID)

	sendErr := sendWithin(ctx, func() error {
		var err error
		switch p.Kind {
		case transport.KindImage:
			_, err = a.bot.Send(to, &tele.Photo{File: tele.FromReader(bytes.NewReader(p.Data)), Caption: p.Body})
		case transport.KindVideo:
			_, err = a.bot.Send(to, &tele.Video{File: tele.FromReader(bytes.NewReader(p.Data)), Caption: p.Body})
		case transport.KindAudio:
			if p.VoiceNote {
				_, err = a.bot.Send(to, &tele.Voice{File: tele.FromReader(bytes.NewReader(p.Data))})
			} else {
				_, err = a.bot.Send(to, &tele.Audio{File: tele.FromReader(bytes.NewReader(p.Data)), Caption: p.Body, FileName: p.FileName})
			}
		case transport.KindDocument:
			_, err = a.bot.Send(to, &tele.Document{
				File:     tele.FromReader(bytes.NewReader(p.Data)),
				Caption:  p.Body,
				FileName: p.FileName,
				MIME:     p.MIMEType,
			})
		case transport.KindLocation:
			_, err = a.bot.Send(to, &tele.Location{Lat: float32(p.Latitude), Lng: float32(p.Longitude)})
		case transport.KindButtons:
			markup := &tele.ReplyMarkup{}
			row := make(tele.Row, 0, len(p.Buttons))
			for i, b := range p.Buttons {
				row = append(row, markup.Data(b.Label, "btn"+strconv.Itoa(i), b.Data))
			}
			markup.Inline(markup.Split(2, row)...)
			_, err = a.bot.Send(to, p.Body, markup)
		default:
			// Unrecognized kinds fall back to plain text.
			_, err = a.bot.Send(to, p.Body)
		}
		return err
	})

	if sendErr != nil {
		a.log.Debug("telegram send failed", logx.Int64("chat_id", chatID), logx.String("kind", string(p.Kind)), logx.Err(sendErr))
		if errors.Is(sendErr, transport.ErrUnavailable) {
			return sendErr
		}
		return fmt.Errorf("%w: %v", transport.ErrUnavailable, sendErr)
	}
	return nil
}

// sendWithin bounds fn on ctx. Bot API calls carry no context of their
// own, so a stalled request is abandoned once the deadline passes; the
// request goroutine drains in the background when the client gives up.
func sendWithin(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
	}
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", transport.ErrUnavailable, ctx.Err())
	case err := <-done:
		return err
	}
}
