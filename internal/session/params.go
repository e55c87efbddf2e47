package session

import (
	"strings"

	"github.com/lk2023060901/kirc-go/internal/network/connector"
	"github.com/lk2023060901/kirc-go/pkg/util/merr"
)

// Params 为一次连接尝试的参数，连接开始后由 actor 独占且不再修改。
type Params struct {
	ServerID string `mapstructure:"id" json:"serverId"`
	Host     string `mapstructure:"host" json:"host"`
	Port     int    `mapstructure:"port" json:"port"`
	TLS      bool   `mapstructure:"tls" json:"tls"`
	Nickname string `mapstructure:"nickname" json:"nickname"`

	// 以下字段可选，Username 与 Realname 缺省时取 Nickname。
	Username           string `mapstructure:"username" json:"username,omitempty"`
	Realname           string `mapstructure:"realname" json:"realname,omitempty"`
	Password           string `mapstructure:"password" json:"-"`
	InsecureSkipVerify bool   `mapstructure:"insecure-skip-verify" json:"insecureSkipVerify,omitempty"`
}

// Validate 检查必填字段，失败时返回 merr.ErrParameterInvalid。
func (p Params) Validate() error {
	if strings.TrimSpace(p.ServerID) == "" {
		return merr.WrapErrParameterInvalidMsg("server id must not be empty")
	}
	if strings.TrimSpace(p.Host) == "" {
		return merr.WrapErrParameterInvalidMsg("host of %s must not be empty", p.ServerID)
	}
	if p.Port <= 0 || p.Port > 65535 {
		return merr.WrapErrParameterInvalidMsg("port of %s out of range: %d", p.ServerID, p.Port)
	}
	if strings.TrimSpace(p.Nickname) == "" || strings.ContainsAny(p.Nickname, " ,*?!@") {
		return merr.WrapErrParameterInvalidMsg("invalid nickname for %s: %q", p.ServerID, p.Nickname)
	}
	return nil
}

func (p Params) endpoint() connector.Endpoint {
	return connector.Endpoint{
		Host:               p.Host,
		Port:               p.Port,
		TLS:                p.TLS,
		InsecureSkipVerify: p.InsecureSkipVerify,
	}
}

func (p Params) identity() connector.Identity {
	return connector.Identity{
		Nickname: p.Nickname,
		Username: p.Username,
		Realname: p.Realname,
		Password: p.Password,
	}
}
