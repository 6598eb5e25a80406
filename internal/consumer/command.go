package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// CommandKind enumerates the cache-invalidation commands carried on the
// control topic.
type CommandKind string

const (
	CmdFlushUser   CommandKind = "flush_user"
	CmdFlushSensor CommandKind = "flush_sensor"
	CmdFlushKey    CommandKind = "flush_key"
	CmdAddUser     CommandKind = "add_user"
	CmdAddSensor   CommandKind = "add_sensor"
	CmdAddKey      CommandKind = "add_key"
)

// Command is one invalidation request.
type Command struct {
	Cmd CommandKind `json:"cmd"`
	Arg string      `json:"arg"`
}

// ParseCommand decodes a control-topic payload.
func ParseCommand(payload []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}

	switch cmd.Cmd {
	case CmdFlushUser, CmdFlushSensor, CmdFlushKey, CmdAddUser, CmdAddSensor, CmdAddKey:
		return cmd, nil
	default:
		return Command{}, fmt.Errorf("unknown command %q", cmd.Cmd)
	}
}

// CommandTarget is the surface commands are applied to. The message service
// implements it.
type CommandTarget interface {
	FlushUser(id uuid.UUID)
	FlushSensor(id primitive.ObjectID)
	FlushKey(key string)
	AddUser(ctx context.Context, id uuid.UUID)
	AddSensor(ctx context.Context, id primitive.ObjectID)
	AddKey(ctx context.Context, key string)
}

// CommandConsumer queues invalidation commands arriving out of band and
// applies them in order when the orchestrator drains it at the end of a
// tick.
type CommandConsumer struct {
	mu     sync.Mutex
	queue  []Command
	target CommandTarget
	log    *slog.Logger
}

// NewCommandConsumer builds an unbound consumer; Bind must be called before
// the first Execute.
func NewCommandConsumer(log *slog.Logger) *CommandConsumer {
	return &CommandConsumer{log: log}
}

// Bind attaches the target commands are applied to.
func (c *CommandConsumer) Bind(target CommandTarget) {
	c.target = target
}

// Submit enqueues a command.
func (c *CommandConsumer) Submit(cmd Command) {
	c.mu.Lock()
	c.queue = append(c.queue, cmd)
	c.mu.Unlock()
}

// Execute drains the queue completely, applying each command. Arguments that
// fail to parse are logged and skipped.
func (c *CommandConsumer) Execute(ctx context.Context) {
	c.mu.Lock()
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()

	if c.target == nil || len(pending) == 0 {
		return
	}

	for _, cmd := range pending {
		c.apply(ctx, cmd)
	}
}

func (c *CommandConsumer) apply(ctx context.Context, cmd Command) {
	switch cmd.Cmd {
	case CmdFlushUser, CmdAddUser:
		id, err := uuid.Parse(cmd.Arg)
		if err != nil {
			c.log.Warn("invalid user id in command", "cmd", cmd.Cmd, "arg", cmd.Arg)
			return
		}
		if cmd.Cmd == CmdFlushUser {
			c.target.FlushUser(id)
		} else {
			c.target.AddUser(ctx, id)
		}
	case CmdFlushSensor, CmdAddSensor:
		id, err := primitive.ObjectIDFromHex(cmd.Arg)
		if err != nil {
			c.log.Warn("invalid sensor id in command", "cmd", cmd.Cmd, "arg", cmd.Arg)
			return
		}
		if cmd.Cmd == CmdFlushSensor {
			c.target.FlushSensor(id)
		} else {
			c.target.AddSensor(ctx, id)
		}
	case CmdFlushKey:
		c.target.FlushKey(cmd.Arg)
	case CmdAddKey:
		c.target.AddKey(ctx, cmd.Arg)
	}
}
