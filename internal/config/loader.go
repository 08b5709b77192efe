package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// defaultUserAgents 是回源时轮换使用的浏览器标识池，用于绕过简单的 UA 校验。
var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:109.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0",
}

// defaultBlockedDomains 默认拦截本机与内网地址，避免代理被用来探测内部网络。
var defaultBlockedDomains = []string{
	"localhost",
	"127.0.0.1",
	"192.168.0.0/16",
	"10.0.0.0/8",
	"172.16.0.0/12",
}

// defaultAllowedContentTypes 限定可代理的媒体类型（子串匹配）。
var defaultAllowedContentTypes = []string{
	"video/",
	"audio/",
	"application/x-mpegURL",
	"application/dash+xml",
	"text/vtt",
	"application/octet-stream",
}

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
// 未显式指定路径且默认文件不存在时，直接使用内置默认值启动。
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		missing := errors.Is(err, fs.ErrNotExist) || os.IsNotExist(err)
		if explicit || !missing {
			return nil, fmt.Errorf("读取配置失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.StoragePath = absStorage

	absAssets, err := filepath.Abs(cfg.AssetPath)
	if err != nil {
		return nil, fmt.Errorf("无法解析静态资源目录: %w", err)
	}
	cfg.AssetPath = absAssets

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 4000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./.cache")
	v.SetDefault("AssetPath", "./public")
	v.SetDefault("CacheTTL", "24h")
	v.SetDefault("MaxCacheSize", 100*1024*1024)
	v.SetDefault("MaxCacheableSize", 10*1024*1024)
	v.SetDefault("MaxContentSize", 50*1024*1024)
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("MaxRedirects", 5)
	v.SetDefault("RateLimitWindow", "1m")
	v.SetDefault("RateLimitMax", 100)
	v.SetDefault("BlockedDomains", defaultBlockedDomains)
	v.SetDefault("AllowedContentTypes", defaultAllowedContentTypes)
	v.SetDefault("UserAgents", defaultUserAgents)
}

func applyDefaults(c *Config) {
	if c.ListenPort == 0 {
		c.ListenPort = 4000
	}
	if c.CacheTTL.DurationValue() == 0 {
		c.CacheTTL = Duration(24 * time.Hour)
	}
	if c.UpstreamTimeout.DurationValue() == 0 {
		c.UpstreamTimeout = Duration(30 * time.Second)
	}
	if c.RateLimitWindow.DurationValue() == 0 {
		c.RateLimitWindow = Duration(time.Minute)
	}
	if c.MaxRedirects == 0 {
		c.MaxRedirects = 5
	}
	if len(c.UserAgents) == 0 {
		c.UserAgents = append([]string(nil), defaultUserAgents...)
	}
	if len(c.AllowedContentTypes) == 0 {
		c.AllowedContentTypes = append([]string(nil), defaultAllowedContentTypes...)
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
