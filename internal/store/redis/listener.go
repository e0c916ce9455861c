package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"futures-enginev1/internal/model"
)

// CommandHandler executes one decoded command.
type CommandHandler func(ctx context.Context, cmd model.Command) error

// CommandListener subscribes to the commands channel and dispatches each
// JSON-encoded model.Command to a handler. Malformed messages are logged
// and skipped.
type CommandListener struct {
	client  *goredis.Client
	channel string
	handler CommandHandler
	log     *zap.Logger
}

func NewCommandListener(client *goredis.Client, channel string, handler CommandHandler, log *zap.Logger) *CommandListener {
	if log == nil {
		log = zap.NewNop()
	}
	return &CommandListener{client: client, channel: channel, handler: handler, log: log.With(zap.String("channel", channel))}
}

// Run subscribes and blocks until ctx is cancelled. A dropped subscription
// is re-established after a short pause.
func (l *CommandListener) Run(ctx context.Context) error {
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		l.log.Warn("command subscription lost, resubscribing", zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}

func (l *CommandListener) listen(ctx context.Context) error {
	pubsub := l.client.Subscribe(ctx, l.channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", l.channel, err)
	}
	l.log.Info("listening for commands")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription %s closed", l.channel)
			}
			if err := l.handle(ctx, msg.Payload); err != nil {
				l.log.Warn("command failed", zap.Error(err))
			}
		}
	}
}

func (l *CommandListener) handle(ctx context.Context, payload string) error {
	var cmd model.Command
	if err := json.Unmarshal([]byte(payload), &cmd); err != nil {
		return fmt.Errorf("decode command: %w", err)
	}
	if err := cmd.Validate(); err != nil {
		return err
	}
	l.log.Info("command received", zap.String("type", string(cmd.Type)), zap.String("position_id", cmd.PositionID))
	return l.handler(ctx, cmd)
}
