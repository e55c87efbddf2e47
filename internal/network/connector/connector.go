package connector

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	network "github.com/lk2023060901/kirc-go/internal/network"
	"github.com/lk2023060901/kirc-go/internal/network/codec"
	"github.com/lk2023060901/kirc-go/internal/network/framer"
	"github.com/lk2023060901/kirc-go/pkg/log"
	"github.com/lk2023060901/kirc-go/pkg/util/conc"
	"github.com/lk2023060901/kirc-go/pkg/util/merr"
	"github.com/lk2023060901/kirc-go/pkg/util/retry"
)

// Endpoint 描述一个 IRC 服务器地址。
type Endpoint struct {
	Host string
	Port int
	TLS  bool
	// InsecureSkipVerify 为 true 时跳过证书校验，仅用于自签名的测试服务器。
	InsecureSkipVerify bool
}

// Addr 返回 host:port 形式的地址。
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Identity 描述握手阶段发送的身份信息。
// Username/Realname 为空时使用 Nickname，Password 为空时不发送 PASS。
type Identity struct {
	Nickname string
	Username string
	Realname string
	Password string
}

// Config 描述客户端连接的基础配置。
type Config struct {
	RecvQueueSize int `mapstructure:"recv-queue-size"`

	DialTimeout          time.Duration `mapstructure:"dial-timeout"`
	DialAttempts         uint          `mapstructure:"dial-attempts"`
	DialRetryInterval    time.Duration `mapstructure:"dial-retry-interval"`
	DialMaxRetryInterval time.Duration `mapstructure:"dial-max-retry-interval"`
	WriteTimeout         time.Duration `mapstructure:"write-timeout"`

	// MaxLineLength 为单行最大长度，仅在 Codec 为空时用于构造默认 Codec。
	MaxLineLength int `mapstructure:"max-line-length"`

	// Codec 为当前连接使用的编解码器，为空时使用默认的 LineFramer + ircmsg。
	Codec codec.Codec `mapstructure:"-"`

	// DialContext 用于替换底层拨号逻辑（例如测试中的 net.Pipe），为空时使用 net.Dialer。
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error) `mapstructure:"-"`
}

func defaultConfig() Config {
	return Config{
		RecvQueueSize:        64,
		DialTimeout:          15 * time.Second,
		DialAttempts:         3,
		DialRetryInterval:    500 * time.Millisecond,
		DialMaxRetryInterval: 5 * time.Second,
		WriteTimeout:         10 * time.Second,
	}
}

// Result 为接收序列中的一项：要么是一条报文，要么是导致序列结束的错误。
type Result struct {
	Frame *codec.Frame
	Err   error
}

// Stream 抽象了与一个 IRC 服务器之间已完成身份发送的连接。
//
// 说明：
//   - Recv 返回的 channel 有序、不可重启，流结束或出错后关闭；
//   - Send 可并发调用；
//   - Close 可重复调用，调用后 Recv 的 channel 会很快关闭。
type Stream interface {
	Recv() <-chan Result
	Send(f *codec.Frame) error
	Close() error
	RemoteAddr() net.Addr
}

// Connector 抽象了客户端的拨号器。
type Connector interface {
	// Dial 建立连接并发送 PASS/NICK/USER，ctx 取消会中断拨号与握手。
	Dial(ctx context.Context, ep Endpoint, id Identity) (Stream, error)
}

// tcpConnector 是基于 TCP/TLS 的默认 Connector 实现。
type tcpConnector struct {
	cfg Config
}

// NewTCPConnector 创建一个基于 TCP（可选 TLS）的 Connector。
func NewTCPConnector(cfg Config) Connector {
	def := defaultConfig()
	if cfg.RecvQueueSize <= 0 {
		cfg.RecvQueueSize = def.RecvQueueSize
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.DialAttempts == 0 {
		cfg.DialAttempts = def.DialAttempts
	}
	if cfg.DialRetryInterval <= 0 {
		cfg.DialRetryInterval = def.DialRetryInterval
	}
	if cfg.DialMaxRetryInterval <= 0 {
		cfg.DialMaxRetryInterval = def.DialMaxRetryInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.Codec == nil {
		cfg.Codec = codec.New(codec.Options{Framer: framer.NewLineFramer(cfg.MaxLineLength)})
	}
	if cfg.DialContext == nil {
		cfg.DialContext = (&net.Dialer{KeepAlive: 30 * time.Second}).DialContext
	}
	return &tcpConnector{cfg: cfg}
}

func (c *tcpConnector) Dial(ctx context.Context, ep Endpoint, id Identity) (Stream, error) {
	addr := ep.Addr()
	logger := log.Ctx(ctx).With(log.FieldComponent("connector"), zap.String("addr", addr))

	var conn net.Conn
	err := retry.Do(ctx, func() error {
		cn, err := c.dialOnce(ctx, ep)
		if err != nil {
			if ctx.Err() != nil {
				return retry.Unrecoverable(err)
			}
			return err
		}
		conn = cn
		return nil
	},
		retry.Attempts(c.cfg.DialAttempts),
		retry.Sleep(c.cfg.DialRetryInterval),
		retry.MaxSleepTime(c.cfg.DialMaxRetryInterval),
		retry.RetryErr(merr.IsRetryableErr),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn("dial failed", zap.String(network.FieldStage, network.StageDial.String()), zap.Error(err))
		return nil, err
	}

	s := newIRCStream(conn, c.cfg, logger)

	// 握手期间 ctx 取消时直接关闭连接，使阻塞的写操作立即返回。
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	err = s.identify(id)
	stop()
	if err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn("identify failed", zap.String(network.FieldStage, network.StageHandshake.String()), zap.Error(err))
		return nil, merr.WrapErrHandshake(addr, err)
	}

	s.start()
	logger.Info("stream established", zap.Bool("tls", ep.TLS))
	return s, nil
}

// dialOnce 完成一次 TCP（可选 TLS）连接。
// 返回的错误已归类：证书校验失败为 merr.ErrHandshake（不重试），其余为 merr.ErrTransport。
func (c *tcpConnector) dialOnce(ctx context.Context, ep Endpoint) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	raw, err := c.cfg.DialContext(dialCtx, "tcp", ep.Addr())
	if err != nil {
		return nil, classifyDialErr(ep.Addr(), err)
	}
	if !ep.TLS {
		return raw, nil
	}

	tlsConn := tls.Client(raw, &tls.Config{
		ServerName:         ep.Host,
		InsecureSkipVerify: ep.InsecureSkipVerify, // #nosec G402 -- opt-in per server
		MinVersion:         tls.VersionTLS12,
	})
	if err := tlsConn.HandshakeContext(dialCtx); err != nil {
		_ = raw.Close()
		return nil, classifyDialErr(ep.Addr(), errors.Wrap(err, "tls handshake"))
	}
	return tlsConn, nil
}

func classifyDialErr(addr string, err error) error {
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return merr.WrapErrHandshake(addr, err)
	}
	return merr.WrapErrTransport(addr, err)
}

// ircStream 是基于 net.Conn 的 Stream 默认实现。
type ircStream struct {
	conn   net.Conn
	reader *bufio.Reader
	codec  codec.Codec
	cfg    Config
	log    *log.MLogger

	recvChan chan Result
	closed   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
}

var _ Stream = (*ircStream)(nil)

func newIRCStream(conn net.Conn, cfg Config, logger *log.MLogger) *ircStream {
	return &ircStream{
		conn:     conn,
		reader:   bufio.NewReader(conn),
		codec:    cfg.Codec,
		cfg:      cfg,
		log:      logger.WithRateGroup("connector.decode", 1, 30),
		recvChan: make(chan Result, cfg.RecvQueueSize),
		closed:   make(chan struct{}),
	}
}

func (s *ircStream) identify(id Identity) error {
	username := id.Username
	if username == "" {
		username = id.Nickname
	}
	realname := id.Realname
	if realname == "" {
		realname = id.Nickname
	}

	frames := make([]*codec.Frame, 0, 3)
	if id.Password != "" {
		frames = append(frames, codec.NewFrame("PASS", id.Password))
	}
	frames = append(frames,
		codec.NewFrame("NICK", id.Nickname),
		codec.NewFrame("USER", username, "0", "*", realname),
	)
	for _, f := range frames {
		if err := s.Send(f); err != nil {
			return err
		}
	}
	return nil
}

func (s *ircStream) start() {
	// 使用 conc.Go 启动接收协程，避免直接使用原生 go 关键字。
	_ = conc.Go(func() (struct{}, error) {
		s.recvLoop()
		return struct{}{}, nil
	})
}

// Stream 接口实现。

func (s *ircStream) Recv() <-chan Result  { return s.recvChan }
func (s *ircStream) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

func (s *ircStream) Send(f *codec.Frame) error {
	select {
	case <-s.closed:
		return merr.WrapErrSendFailed(f.Command, net.ErrClosed)
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.cfg.WriteTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
			return merr.WrapErrSendFailed(f.Command, err)
		}
	}
	if err := s.codec.Encode(s.conn, f); err != nil {
		return merr.WrapErrSendFailed(f.Command, err)
	}
	return nil
}

func (s *ircStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}

// recvLoop 持续读取报文并投递到 recvChan，流结束或出错时关闭 recvChan。
func (s *ircStream) recvLoop() {
	defer close(s.recvChan)

	for {
		f, err := s.codec.Decode(s.reader)
		if err != nil {
			if codec.IsFrameError(err) {
				s.log.RatedWarn(1, "drop invalid frame",
					zap.String(network.FieldStage, network.StageDecode.String()),
					zap.Error(err))
				continue
			}
			if s.isClosed() || errors.Is(err, io.EOF) {
				return
			}
			s.deliver(Result{Err: merr.WrapErrTransport(s.conn.RemoteAddr().String(), err)})
			return
		}

		if f.Command == "PING" {
			if err := s.Send(codec.NewFrame("PONG", f.Params...)); err != nil {
				s.log.Warn("reply PONG failed", zap.Error(err))
			}
			continue
		}

		if !s.deliver(Result{Frame: f}) {
			return
		}
	}
}

func (s *ircStream) deliver(r Result) bool {
	select {
	case <-s.closed:
		return false
	case s.recvChan <- r:
		return true
	}
}

func (s *ircStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
