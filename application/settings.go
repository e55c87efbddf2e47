package application

import (
	"time"

	"github.com/lk2023060901/kirc-go/internal/network/connector"
	"github.com/lk2023060901/kirc-go/internal/reconnect"
	"github.com/lk2023060901/kirc-go/internal/session"
	zlog "github.com/lk2023060901/kirc-go/pkg/log"
	zviper "github.com/lk2023060901/kirc-go/pkg/util/viper"
)

// Settings 为配置文件的完整结构。
//
// 示例：
//
//	shutdown-timeout: 5s
//	max-sessions: 16
//	servers:
//	  - id: libera
//	    host: irc.libera.chat
//	    port: 6697
//	    tls: true
//	    nickname: alice
//	reconnect:
//	  enabled: true
//	  initial-interval: 1s
//	metrics:
//	  listen: 127.0.0.1:9105
type Settings struct {
	// Servers 为启动时自动连接的服务器列表。
	Servers         []session.Params       `mapstructure:"servers"`
	ShutdownTimeout time.Duration          `mapstructure:"shutdown-timeout"`
	MaxSessions     int                    `mapstructure:"max-sessions"`
	Reconnect       reconnect.Config       `mapstructure:"reconnect"`
	Metrics         MetricsSettings        `mapstructure:"metrics"`
	Connector       connector.Config       `mapstructure:"connector"`
	Logging         map[string]zlog.Config `mapstructure:"logging"`
}

// MetricsSettings 为 Prometheus 指标端点配置，Listen 为空表示不开启。
type MetricsSettings struct {
	Listen string `mapstructure:"listen"`
	Path   string `mapstructure:"path"`
}

func setDefaults(cfg *zviper.Config) {
	rc := reconnect.DefaultConfig()
	cfg.SetDefault("shutdown-timeout", session.DefaultShutdownTimeout)
	cfg.SetDefault("max-sessions", 0)
	cfg.SetDefault("reconnect.enabled", rc.Enabled)
	cfg.SetDefault("reconnect.initial-interval", rc.InitialInterval)
	cfg.SetDefault("reconnect.max-interval", rc.MaxInterval)
	cfg.SetDefault("reconnect.max-elapsed", rc.MaxElapsed)
	cfg.SetDefault("metrics.listen", "")
	cfg.SetDefault("metrics.path", "/metrics")
}
