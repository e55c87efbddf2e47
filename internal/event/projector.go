package event

import (
	"strconv"
	"strings"
	"time"

	"github.com/lk2023060901/kirc-go/internal/network/codec"
	"github.com/lk2023060901/kirc-go/pkg/util/merr"
)

// projectFunc 将一条已识别的报文映射为协议事件，只需填写子类型相关字段。
type projectFunc func(ev *Event, f *codec.Frame) error

// routes 为命令到映射函数的路由表，未出现的命令视为未识别。
var routes = map[string]projectFunc{
	"PRIVMSG": projectUserMessage,
	"NOTICE":  projectUserMessage,
	"JOIN":    projectJoin,
	"PART":    projectPart,
	"QUIT":    projectQuit,
	"NICK":    projectNick,
	"TOPIC":   projectTopic,
	"332":     projectTopicReply, // RPL_TOPIC
	"ERROR":   projectServerError,
}

// ProjectFrame 将一条入站报文映射为协议事件。
//
// 返回：
//   - ok 为 false 表示该命令未识别，调用方应丢弃；
//   - err 非 nil 表示命令已识别但参数不完整（merr.ErrFrameDecode）。
func ProjectFrame(serverID string, f *codec.Frame, now time.Time) (Event, bool, error) {
	if f == nil {
		return Event{}, false, nil
	}

	fn, ok := routes[f.Command]
	if !ok {
		if !isErrorNumeric(f.Command) {
			return Event{}, false, nil
		}
		fn = projectNumericError
	}

	ev := Event{
		Kind:      KindProtocol,
		ServerID:  serverID,
		Timestamp: now.UnixMilli(),
	}
	if err := fn(&ev, f); err != nil {
		return Event{}, true, err
	}
	return ev, true, nil
}

// IsWelcome 判断报文是否为注册成功的 RPL_WELCOME。
func IsWelcome(f *codec.Frame) bool {
	return f != nil && f.Command == "001"
}

// Sender 返回报文发送者：用户前缀取昵称，否则为服务器名。
func Sender(f *codec.Frame) string {
	return codec.SourceNick(f.Source)
}

func requireParams(f *codec.Frame, n int) error {
	if len(f.Params) < n {
		return merr.WrapErrFrameDecode(f.Command, nil,
			"expected at least "+strconv.Itoa(n)+" params, got "+strconv.Itoa(len(f.Params)))
	}
	return nil
}

func projectUserMessage(ev *Event, f *codec.Frame) error {
	if err := requireParams(f, 2); err != nil {
		return err
	}
	ev.Type = TypeUserMessage
	ev.Channel = f.Params[0]
	ev.Nick = Sender(f)
	ev.Content = f.Params[1]
	return nil
}

func projectJoin(ev *Event, f *codec.Frame) error {
	if err := requireParams(f, 1); err != nil {
		return err
	}
	ev.Type = TypeJoin
	ev.Channel = f.Params[0]
	ev.Nick = Sender(f)
	return nil
}

func projectPart(ev *Event, f *codec.Frame) error {
	if err := requireParams(f, 1); err != nil {
		return err
	}
	ev.Type = TypePart
	ev.Channel = f.Params[0]
	ev.Nick = Sender(f)
	ev.Reason = codec.Param(f, 1)
	return nil
}

func projectQuit(ev *Event, f *codec.Frame) error {
	ev.Type = TypeQuit
	ev.Nick = Sender(f)
	ev.Reason = codec.Param(f, 0)
	return nil
}

func projectNick(ev *Event, f *codec.Frame) error {
	if err := requireParams(f, 1); err != nil {
		return err
	}
	ev.Type = TypeNick
	ev.OldNick = Sender(f)
	ev.NewNick = f.Params[0]
	return nil
}

func projectTopic(ev *Event, f *codec.Frame) error {
	if err := requireParams(f, 1); err != nil {
		return err
	}
	ev.Type = TypeTopic
	ev.Channel = f.Params[0]
	ev.Nick = Sender(f)
	ev.Topic = codec.Param(f, 1)
	return nil
}

// projectTopicReply 处理 "332 <me> <channel> :<topic>"。
func projectTopicReply(ev *Event, f *codec.Frame) error {
	if err := requireParams(f, 3); err != nil {
		return err
	}
	ev.Type = TypeTopic
	ev.Channel = f.Params[1]
	ev.Topic = f.Params[2]
	return nil
}

func projectServerError(ev *Event, f *codec.Frame) error {
	ev.Type = TypeError
	ev.Content = lastParam(f)
	return nil
}

// projectNumericError 处理 400–599 的错误应答，"<code> <me> [<subject>...] :<text>"。
func projectNumericError(ev *Event, f *codec.Frame) error {
	ev.Type = TypeError
	ev.Reason = f.Command
	ev.Content = lastParam(f)
	if len(f.Params) > 2 {
		subjects := f.Params[1 : len(f.Params)-1]
		if strings.HasPrefix(subjects[0], "#") || strings.HasPrefix(subjects[0], "&") {
			ev.Channel = subjects[0]
		}
		ev.Content = strings.Join(subjects, " ") + ": " + ev.Content
	}
	return nil
}

func isErrorNumeric(command string) bool {
	if len(command) != 3 {
		return false
	}
	code, err := strconv.Atoi(command)
	if err != nil {
		return false
	}
	return code >= 400 && code <= 599
}

func lastParam(f *codec.Frame) string {
	if len(f.Params) == 0 {
		return ""
	}
	return f.Params[len(f.Params)-1]
}
