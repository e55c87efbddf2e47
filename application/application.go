package application

import (
	"context"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lk2023060901/kirc-go/internal/event"
	"github.com/lk2023060901/kirc-go/internal/network/connector"
	"github.com/lk2023060901/kirc-go/internal/policy"
	"github.com/lk2023060901/kirc-go/internal/reconnect"
	"github.com/lk2023060901/kirc-go/internal/session"
	zlog "github.com/lk2023060901/kirc-go/pkg/log"
	"github.com/lk2023060901/kirc-go/pkg/metrics"
	zviper "github.com/lk2023060901/kirc-go/pkg/util/viper"
)

const (
	defaultConfigPath = "./config.yaml"
	envConfigPath     = "KIRC_CONFIG_FILE_PATH"
	envPrefix         = "KIRC"
)

// Options 为 Application 的启动参数。
type Options struct {
	// ConfigPath 为命令行指定的配置文件路径，优先级最高。
	ConfigPath string
	// In 为控制台命令输入，缺省为 os.Stdin。
	In io.Reader
	// Out 为事件与命令回复的输出，缺省为 os.Stdout。
	Out io.Writer
	// Connector 用于替换默认的 TCP 拨号器。
	Connector connector.Connector
}

// Application 为 kirc 的运行时容器，持有配置与各组件。
type Application struct {
	opts     Options
	cfg      *zviper.Config
	settings Settings
	loggers  map[string]*zlog.MLogger

	out         *event.JSONSink
	supervisor  *session.Supervisor
	locks       *policy.ChannelLocks
	reconnector *reconnect.Reconnector
}

// New 创建 Application。
func New(opts Options) *Application {
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	return &Application{opts: opts}
}

// Run 加载配置、初始化日志与各组件，并运行控制台直到 ctx 结束或收到 /quit。
//
// 配置文件路径的优先级：
//  1. 默认：./config.yaml（不存在时使用默认配置）
//  2. 环境变量：KIRC_CONFIG_FILE_PATH
//  3. 命令行：Options.ConfigPath
func (a *Application) Run(ctx context.Context) error {
	cfg, settings, err := a.loadConfig()
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.settings = settings

	if err := a.initLogging(); err != nil {
		return err
	}
	defer func() { _ = zlog.Sync() }()

	a.build()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	if a.settings.Metrics.Listen != "" {
		a.serveMetrics(gctx, g)
	}

	console := NewConsole(a.supervisor, a.locks, a.reconnector, a.out, a.Logger("console"))
	g.Go(func() error {
		defer cancel()
		return console.Run(gctx, a.opts.In)
	})
	g.Go(func() error {
		a.autoConnect(gctx)
		<-gctx.Done()
		return a.shutdown()
	})

	return g.Wait()
}

// Supervisor 返回会话管理器，Run 之前为 nil。
func (a *Application) Supervisor() *session.Supervisor {
	return a.supervisor
}

// Settings 返回已加载的配置。
func (a *Application) Settings() Settings {
	return a.settings
}

// Logger 返回配置中指定名称的 Logger，未配置时退回全局 Logger。
func (a *Application) Logger(name string) *zlog.MLogger {
	if lg, ok := a.loggers[name]; ok && lg != nil {
		return lg
	}
	return zlog.With(zlog.FieldModule(name))
}

func (a *Application) build() {
	a.out = event.NewJSONSink(a.opts.Out, nil)
	a.reconnector = reconnect.New(a.out, a.settings.Reconnect)
	a.locks = policy.NewChannelLocks(event.Counting(a.out))

	conn := a.opts.Connector
	if conn == nil {
		conn = connector.NewTCPConnector(a.settings.Connector)
	}
	a.supervisor = session.NewSupervisor(session.Options{
		Connector:       conn,
		Sink:            a.reconnector,
		Authorizer:      a.locks,
		ShutdownTimeout: a.settings.ShutdownTimeout,
		MaxSessions:     a.settings.MaxSessions,
		StopObserver:    a.reconnector,
	})
	a.reconnector.Bind(a.supervisor)

	a.supervisor.SetLogger(a.Logger("session"))
	a.reconnector.SetLogger(a.Logger("reconnect"))
}

func (a *Application) autoConnect(ctx context.Context) {
	for _, params := range a.settings.Servers {
		a.reconnector.Track(params)
		if err := a.supervisor.Connect(ctx, params); err != nil {
			zlog.Ctx(ctx).Warn("auto connect failed", zlog.FieldServerID(params.ServerID), zap.Error(err))
		}
	}
}

func (a *Application) shutdown() error {
	a.reconnector.Stop()
	if err := a.supervisor.Shutdown(context.Background()); err != nil {
		zlog.Warn("sessions did not shut down cleanly", zap.Error(err))
	}
	return nil
}

func (a *Application) serveMetrics(ctx context.Context, g *errgroup.Group) {
	metrics.Register(prometheus.DefaultRegisterer)

	mux := http.NewServeMux()
	mux.Handle(a.settings.Metrics.Path, promhttp.Handler())
	srv := &http.Server{
		Addr:              a.settings.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		zlog.Info("metrics endpoint listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "serve metrics")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// loadConfig 解析配置文件路径并通过 viper 加载。
func (a *Application) loadConfig() (*zviper.Config, Settings, error) {
	configPath := defaultConfigPath
	explicit := false
	if envPath := os.Getenv(envConfigPath); envPath != "" {
		configPath, explicit = envPath, true
	}
	if a.opts.ConfigPath != "" {
		configPath, explicit = a.opts.ConfigPath, true
	}

	cfg := zviper.New()
	setDefaults(cfg)
	cfg.BindEnv(envPrefix)

	if _, err := os.Stat(configPath); err == nil || explicit {
		if err := cfg.LoadFile(configPath); err != nil {
			return nil, Settings{}, errors.Wrapf(err, "failed to load config file %q", configPath)
		}
	}

	var settings Settings
	if err := cfg.Unmarshal(&settings); err != nil {
		return nil, Settings{}, errors.Wrap(err, "decode config")
	}
	return cfg, settings, nil
}

// initLogging 初始化全局与模块级 Logger。
func (a *Application) initLogging() error {
	if err := a.initGlobalLoggerFromEnv(); err != nil {
		return err
	}
	return a.initModuleLoggersFromConfig()
}

// initGlobalLoggerFromEnv 根据 KIRC_LOG_* 环境变量配置进程级 Logger。
//
// 说明：
//   - KIRC_LOG_ENABLE："1"/"true" 时开启输出，否则丢弃；
//   - KIRC_LOG_LEVEL：日志级别，默认 info；
//   - KIRC_LOG_STDERR：是否输出到 stderr，默认 true（stdout 用于输出事件）；
//   - KIRC_LOG_FILE_DIR / KIRC_LOG_FILE：文件日志目录与文件名；
//   - KIRC_LOG_FORMAT：text、console 或 json，默认 text。
func (a *Application) initGlobalLoggerFromEnv() error {
	enabled := getenvBool("KIRC_LOG_ENABLE", false)

	cfg := &zlog.Config{
		Level:               getenvDefault("KIRC_LOG_LEVEL", "info"),
		Format:              getenvDefault("KIRC_LOG_FORMAT", "text"),
		Stderr:              getenvBool("KIRC_LOG_STDERR", true),
		DisableErrorVerbose: true,
		File: zlog.FileLogConfig{
			RootPath: getenvDefault("KIRC_LOG_FILE_DIR", ""),
			Filename: getenvDefault("KIRC_LOG_FILE", ""),
		},
	}

	// 未开启时不配置任何输出。
	if !enabled {
		cfg.Stderr = false
		cfg.File.Filename = ""
	}

	logger, props, err := zlog.InitLogger(cfg)
	if err != nil {
		return errors.Wrap(err, "init global logger from env")
	}
	zlog.ReplaceGlobals(logger, props)
	return nil
}

// initModuleLoggersFromConfig 按配置中的 logging 段创建具名 Logger。
func (a *Application) initModuleLoggersFromConfig() error {
	if len(a.settings.Logging) == 0 {
		return nil
	}

	a.loggers = make(map[string]*zlog.MLogger, len(a.settings.Logging))
	for name, lc := range a.settings.Logging {
		cfgCopy := lc
		logger, _, err := zlog.InitLogger(&cfgCopy)
		if err != nil {
			return errors.Wrapf(err, "init module logger %q", name)
		}
		a.loggers[name] = &zlog.MLogger{Logger: logger.With(zlog.FieldModule(name))}
	}
	return nil
}

func getenvDefault(key, def string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	return val
}

func getenvBool(key string, def bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
