package framer

import (
	"bufio"
	"bytes"
	"io"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/kirc-go/pkg/util/merr"
)

// Framer 抽象了基于行的打包/解包能力。
//
// 约定：
//   - 一帧数据为一行文本，以 "\r\n" 结尾，读取时同样接受单独的 "\n"；
//   - 返回/接收的行内容不包含行尾分隔符。
type Framer interface {
	// WriteFrame 将一行数据追加 CRLF 后写入 w。
	WriteFrame(w io.Writer, line []byte) error

	// ReadFrame 从 r 中读取下一行非空数据。
	ReadFrame(r *bufio.Reader) ([]byte, error)
}

// LineFramer 以换行作为帧边界，适用于 IRC 这类文本协议。
type LineFramer struct {
	// MaxLineLength 为单行允许的最大长度（不含 CRLF），单位字节。
	// 为 0 时使用默认值 defaultMaxLineLength。
	MaxLineLength int
}

// defaultMaxLineLength 为 IRCv3 消息标签上限（8191）加上正文上限（512）。
const defaultMaxLineLength = 8191 + 512

var crlf = []byte("\r\n")

// NewLineFramer 创建一个行帧编码器。
// maxLineLength 为 0 时使用默认值。
func NewLineFramer(maxLineLength int) *LineFramer {
	if maxLineLength <= 0 {
		maxLineLength = defaultMaxLineLength
	}
	return &LineFramer{
		MaxLineLength: maxLineLength,
	}
}

// WriteFrame 将一行数据编码为帧并一次性写入。
func (f *LineFramer) WriteFrame(w io.Writer, line []byte) error {
	if bytes.ContainsAny(line, "\r\n\x00") {
		return merr.WrapErrParameterInvalidMsg("framer: line contains CR, LF or NUL")
	}
	if len(line) > f.effectiveMaxLength() {
		return merr.WrapErrFrameTooLong(len(line), f.effectiveMaxLength())
	}

	buf := make([]byte, 0, len(line)+len(crlf))
	buf = append(buf, line...)
	buf = append(buf, crlf...)
	if _, err := w.Write(buf); err != nil {
		return errors.Wrap(err, "framer: write line failed")
	}
	return nil
}

// ReadFrame 从流中读取下一行非空数据。
//
// 说明：
//   - 空行会被跳过；
//   - 超长行会被整行丢弃并返回 ErrFrameTooLong，调用方可以继续读取下一行；
//   - 流在一行中途结束时，已读到的部分作为最后一行返回，下一次调用返回 io.EOF。
func (f *LineFramer) ReadFrame(r *bufio.Reader) ([]byte, error) {
	limit := f.effectiveMaxLength()
	for {
		var (
			line    []byte
			size    int
			tooLong bool
		)
		for {
			chunk, err := r.ReadSlice('\n')
			size += len(chunk)
			if !tooLong {
				if size > limit+len(crlf) {
					tooLong = true
					line = nil
				} else {
					line = append(line, chunk...)
				}
			}
			if err == nil {
				break
			}
			if errors.Is(err, bufio.ErrBufferFull) {
				continue
			}
			if errors.Is(err, io.EOF) && !tooLong {
				if line = trimEOL(line); len(line) > 0 {
					return line, nil
				}
			}
			return nil, err
		}

		line = trimEOL(line)
		if tooLong || len(line) > limit {
			return nil, merr.WrapErrFrameTooLong(size, limit)
		}
		if len(line) > 0 {
			return line, nil
		}
	}
}

func (f *LineFramer) effectiveMaxLength() int {
	if f == nil || f.MaxLineLength <= 0 {
		return defaultMaxLineLength
	}
	return f.MaxLineLength
}

func trimEOL(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte("\n"))
	return bytes.TrimSuffix(line, []byte("\r"))
}
