package codec

import (
	"bufio"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/ergochat/irc-go/ircmsg"

	"github.com/lk2023060901/kirc-go/internal/network/framer"
	"github.com/lk2023060901/kirc-go/pkg/util/merr"
)

// Frame 为一条 IRC 报文，直接复用 ircmsg.Message。
type Frame = ircmsg.Message

// Codec 抽象了“从报文到网络帧，以及从网络帧回到报文”的完整编解码流程。
//
// Pipeline（写出 Encode）：
//
//	Frame --> ircmsg.Line --> framer.WriteFrame
//
// Pipeline（读入 Decode）：
//
//	framer.ReadFrame --> ircmsg.ParseLine --> Frame
type Codec interface {
	// Encode 将报文编码并写入到底层流。
	Encode(w io.Writer, f *Frame) error

	// Decode 从底层流中读取一行并解析为报文。
	//
	// 返回的错误分两类：
	//   - merr.ErrFrameDecode / merr.ErrFrameTooLong：单行无效，可以继续读取；
	//   - 其它错误：底层流已不可用。
	Decode(r *bufio.Reader) (*Frame, error)
}

// Options 用于构造 Codec 的依赖注入参数。
type Options struct {
	// Framer 允许为 nil（内部会使用默认长度的 LineFramer）。
	Framer framer.Framer
}

type codec struct {
	framer framer.Framer
}

var _ Codec = (*codec)(nil)

// New 创建一个基于给定依赖的 Codec。
func New(opts Options) Codec {
	c := &codec{framer: opts.Framer}
	if c.framer == nil {
		c.framer = framer.NewLineFramer(0)
	}
	return c
}

// Encode 实现 Codec.Encode。
func (c *codec) Encode(w io.Writer, f *Frame) error {
	if w == nil {
		return errors.New("codec: writer is nil")
	}
	if f == nil {
		return errors.New("codec: frame is nil")
	}

	line, err := f.Line()
	if err != nil {
		return errors.Wrapf(err, "codec: encode %s failed", f.Command)
	}
	// ircmsg 生成的行自带 CRLF，由 framer 统一追加。
	line = strings.TrimRight(line, "\r\n")

	if err := c.framer.WriteFrame(w, []byte(line)); err != nil {
		return errors.Wrapf(err, "codec: write %s failed", f.Command)
	}
	return nil
}

// Decode 实现 Codec.Decode。
func (c *codec) Decode(r *bufio.Reader) (*Frame, error) {
	if r == nil {
		return nil, errors.New("codec: reader is nil")
	}

	line, err := c.framer.ReadFrame(r)
	if err != nil {
		return nil, err
	}

	msg, err := ircmsg.ParseLine(string(line))
	if err != nil {
		return nil, merr.WrapErrFrameDecode(string(line), err)
	}
	return &msg, nil
}

// IsFrameError 判断 Decode 返回的错误是否只影响当前这一行。
func IsFrameError(err error) bool {
	return errors.Is(err, merr.ErrFrameDecode) || errors.Is(err, merr.ErrFrameTooLong)
}

// NewFrame 构造一条不带来源前缀的报文。
func NewFrame(command string, params ...string) *Frame {
	msg := ircmsg.MakeMessage(nil, "", command, params...)
	return &msg
}

// NewFrameFrom 构造一条带来源前缀的报文，常用于本地回显。
func NewFrameFrom(source, command string, params ...string) *Frame {
	msg := ircmsg.MakeMessage(nil, source, command, params...)
	return &msg
}

// SourceNick 从报文来源前缀中提取昵称。
//
// 说明：
//   - "nick!user@host" 形式返回 nick；
//   - 不含 '!' 与 '@' 时整体返回，通常为服务器名。
func SourceNick(source string) string {
	if i := strings.IndexAny(source, "!@"); i >= 0 {
		return source[:i]
	}
	return source
}

// IsUserSource 判断来源前缀是否为用户（nick!user@host），而不是服务器。
func IsUserSource(source string) bool {
	return strings.ContainsAny(source, "!@")
}

// Param 返回报文的第 i 个参数，不存在时返回空串。
func Param(f *Frame, i int) string {
	if f == nil || i < 0 || i >= len(f.Params) {
		return ""
	}
	return f.Params[i]
}
