package application

import (
	"bufio"
	"context"
	"io"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/kirc-go/internal/event"
	"github.com/lk2023060901/kirc-go/internal/policy"
	"github.com/lk2023060901/kirc-go/internal/reconnect"
	"github.com/lk2023060901/kirc-go/internal/session"
	zlog "github.com/lk2023060901/kirc-go/pkg/log"
	"github.com/lk2023060901/kirc-go/pkg/util/conc"
	"github.com/lk2023060901/kirc-go/pkg/util/merr"
)

const (
	topicSessions     = "kirc:sessions"
	topicChannelLock  = "kirc:channel_lock"
	topicCommandError = "kirc:command_error"
)

var errQuit = errors.New("quit")

// CommandError 为命令执行失败时写出的载荷。
type CommandError struct {
	Command string `json:"command"`
	Code    int32  `json:"code"`
	Error   string `json:"error"`
}

type lockState struct {
	ServerID string `json:"serverId"`
	Channel  string `json:"channel"`
	Locked   bool   `json:"locked"`
}

type handler struct {
	usage string
	// minArgs 为必填参数个数，maxArgs 之后的内容并入最后一个参数。
	minArgs int
	maxArgs int
	run     func(ctx context.Context, args []string) error
}

// Console 将按行输入的斜杠命令映射到 Supervisor 操作，结果与事件一同以 JSON Lines 输出。
//
// 支持的命令：
//
//	/connect <id> <host> <port> <nick> [tls]
//	/cancel <id>
//	/disconnect <id>
//	/join <id> <channel>
//	/part <id> <channel> [reason...]
//	/msg <id> <target> <text...>
//	/lock <id> <channel>
//	/unlock <id> <channel>
//	/locked <id> <channel>
//	/list
//	/quit
type Console struct {
	supervisor  *session.Supervisor
	locks       *policy.ChannelLocks
	reconnector *reconnect.Reconnector
	out         *event.JSONSink
	log         *zlog.MLogger

	handlers map[string]handler
}

// NewConsole 创建 Console。
func NewConsole(
	supervisor *session.Supervisor,
	locks *policy.ChannelLocks,
	reconnector *reconnect.Reconnector,
	out *event.JSONSink,
	logger *zlog.MLogger,
) *Console {
	c := &Console{
		supervisor:  supervisor,
		locks:       locks,
		reconnector: reconnector,
		out:         out,
		log:         logger,
	}
	c.handlers = map[string]handler{
		"/connect":    {usage: "/connect <id> <host> <port> <nick> [tls]", minArgs: 4, maxArgs: 5, run: c.connect},
		"/cancel":     {usage: "/cancel <id>", minArgs: 1, maxArgs: 1, run: c.cancel},
		"/disconnect": {usage: "/disconnect <id>", minArgs: 1, maxArgs: 1, run: c.disconnect},
		"/join":       {usage: "/join <id> <channel>", minArgs: 2, maxArgs: 2, run: c.join},
		"/part":       {usage: "/part <id> <channel> [reason...]", minArgs: 2, maxArgs: 3, run: c.part},
		"/msg":        {usage: "/msg <id> <target> <text...>", minArgs: 3, maxArgs: 3, run: c.msg},
		"/lock":       {usage: "/lock <id> <channel>", minArgs: 2, maxArgs: 2, run: c.lock},
		"/unlock":     {usage: "/unlock <id> <channel>", minArgs: 2, maxArgs: 2, run: c.unlock},
		"/locked":     {usage: "/locked <id> <channel>", minArgs: 2, maxArgs: 2, run: c.locked},
		"/list":       {usage: "/list", run: c.list},
		"/quit":       {usage: "/quit", run: func(context.Context, []string) error { return errQuit }},
	}
	return c
}

// Run 逐行读取命令直到输入结束、收到 /quit 或 ctx 结束。
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	readDone := make(chan struct{})
	// 读取协程在阻塞读时无法被取消，退出时只保证不再向 lines 写入。
	_ = conc.Go(func() (struct{}, error) {
		defer close(readDone)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return struct{}{}, nil
			}
		}
		if err := scanner.Err(); err != nil {
			c.log.Warn("read console input", zap.Error(err))
		}
		return struct{}{}, nil
	})

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-readDone:
			return nil
		case line := <-lines:
			if quit := c.Execute(ctx, line); quit {
				return nil
			}
		}
	}
}

// Execute 执行一行命令，返回是否应退出。失败时写出 CommandError。
func (c *Console) Execute(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	name, rest, _ := strings.Cut(line, " ")

	h, ok := c.handlers[strings.ToLower(name)]
	if !ok {
		c.fail(name, merr.WrapErrOperationNotSupported(name))
		return false
	}
	args := splitArgs(rest, h.maxArgs)
	if len(args) < h.minArgs {
		c.fail(name, merr.WrapErrParameterInvalidMsg("usage: %s", h.usage))
		return false
	}

	err := h.run(ctx, args)
	if errors.Is(err, errQuit) {
		return true
	}
	if err != nil {
		c.fail(name, err)
	}
	return false
}

func (c *Console) fail(command string, err error) {
	c.log.Debug("command failed", zap.String("command", command), zap.Error(err))
	c.write(topicCommandError, CommandError{
		Command: command,
		Code:    merr.Code(err),
		Error:   err.Error(),
	})
}

func (c *Console) write(topic string, payload any) {
	if err := c.out.Write(topic, payload); err != nil {
		c.log.Warn("write console output", zap.String("topic", topic), zap.Error(err))
	}
}

func (c *Console) connect(ctx context.Context, args []string) error {
	port, err := strconv.Atoi(args[2])
	if err != nil {
		return merr.WrapErrParameterInvalidMsg("invalid port %q", args[2])
	}
	params := session.Params{
		ServerID: args[0],
		Host:     args[1],
		Port:     port,
		Nickname: args[3],
	}
	if len(args) > 4 {
		if params.TLS, err = parseTLSFlag(args[4]); err != nil {
			return merr.WrapErrParameterInvalidMsg("invalid tls flag %q", args[4])
		}
	}

	// 先登记再连接，保证首次连接失败也会触发重连。
	c.reconnector.Track(params)
	if err := c.supervisor.Connect(ctx, params); err != nil {
		if !errors.Is(err, merr.ErrSessionAlreadyActive) {
			c.reconnector.Forget(params.ServerID)
		}
		return err
	}
	return nil
}

func parseTLSFlag(s string) (bool, error) {
	if strings.EqualFold(s, "tls") {
		return true, nil
	}
	return strconv.ParseBool(s)
}

func (c *Console) cancel(ctx context.Context, args []string) error {
	return c.supervisor.CancelConnect(ctx, args[0])
}

func (c *Console) disconnect(ctx context.Context, args []string) error {
	return c.supervisor.Disconnect(ctx, args[0])
}

func (c *Console) join(ctx context.Context, args []string) error {
	return c.supervisor.JoinChannel(ctx, args[0], args[1])
}

func (c *Console) part(ctx context.Context, args []string) error {
	reason := ""
	if len(args) > 2 {
		reason = args[2]
	}
	return c.supervisor.PartChannel(ctx, args[0], args[1], reason)
}

func (c *Console) msg(ctx context.Context, args []string) error {
	return c.supervisor.SendMessage(ctx, args[0], args[1], args[2])
}

func (c *Console) lock(_ context.Context, args []string) error {
	return c.locks.Lock(args[0], args[1])
}

func (c *Console) unlock(_ context.Context, args []string) error {
	return c.locks.Unlock(args[0], args[1])
}

func (c *Console) locked(_ context.Context, args []string) error {
	c.write(topicChannelLock, lockState{
		ServerID: args[0],
		Channel:  args[1],
		Locked:   c.locks.IsLocked(args[0], args[1]),
	})
	return nil
}

func (c *Console) list(context.Context, []string) error {
	c.write(topicSessions, c.supervisor.List())
	return nil
}

// splitArgs 按空白切分出前 n-1 个参数，其余部分作为最后一个参数原样保留。
// n <= 0 时完整切分。
func splitArgs(s string, n int) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if n <= 0 {
		return strings.Fields(s)
	}

	var args []string
	for len(args) < n-1 {
		s = strings.TrimLeft(s, " \t")
		if s == "" {
			return args
		}
		i := strings.IndexAny(s, " \t")
		if i < 0 {
			return append(args, s)
		}
		args = append(args, s[:i])
		s = s[i:]
	}
	if s = strings.TrimSpace(s); s != "" {
		args = append(args, s)
	}
	return args
}
