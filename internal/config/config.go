package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix 是环境变量覆盖层的前缀，例如 TRADELOOP_EXCHANGE_API_KEY。
const EnvPrefix = "TRADELOOP"

// envKeys 是允许由环境变量提供的键，密钥类字段通常只放在这里。
var envKeys = []string{
	"app.env",
	"app.log_level",
	"exchange.api_key",
	"exchange.secret_key",
	"exchange.rest_base_url",
	"exchange.testnet",
	"decision.base_url",
	"decision.api_key",
	"engine.portfolio_id",
	"store.path",
	"notify.telegram.enabled",
	"notify.telegram.bot_token",
	"notify.telegram.chat_id",
	"http.enabled",
	"http.addr",
}

// source 是 include 链中已读取的一个文件。
type source struct {
	path     string
	settings map[string]any
}

// Load 读取主配置（含 include 链）并叠加 TRADELOOP_ 环境变量，
// 然后应用默认值并校验。优先级：环境变量 > 主文件 > include。
func Load(path string) (*Config, error) {
	sources, err := resolveSources(path)
	if err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetConfigType("yaml")
	for _, src := range sources {
		if err := v.MergeConfigMap(src.settings); err != nil {
			return nil, fmt.Errorf("merging config file failed (%s): %w", src.path, err)
		}
	}
	if err := bindEnv(v); err != nil {
		return nil, err
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "toml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	setKeys := make(keySet)
	markKeys("", v.AllSettings(), setKeys)
	cfg.applyDefaults(setKeys)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func bindEnv(v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AllSettings 只包含已知键，未出现在文件里的键需要显式绑定
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("binding env for %s: %w", key, err)
		}
	}
	return nil
}

// resolveSources 按深度优先展开 include，被包含的文件排在包含者之前。
func resolveSources(path string) ([]source, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	r := &includeResolver{seen: map[string]bool{}, stack: map[string]bool{}}
	if err := r.visit(abs); err != nil {
		return nil, err
	}
	return r.ordered, nil
}

type includeResolver struct {
	seen    map[string]bool
	stack   map[string]bool
	ordered []source
}

func (r *includeResolver) visit(path string) error {
	path = filepath.Clean(path)
	if r.stack[path] {
		return fmt.Errorf("include cycle detected: %s", path)
	}
	if r.seen[path] {
		return nil
	}
	r.stack[path] = true
	settings, err := readFile(path)
	if err != nil {
		return fmt.Errorf("reading config file failed (%s): %w", path, err)
	}
	includes, err := includeList(settings["include"])
	if err != nil {
		return fmt.Errorf("parsing include failed (%s): %w", path, err)
	}
	delete(settings, "include")
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(path), inc)
		}
		if err := r.visit(inc); err != nil {
			return err
		}
	}
	delete(r.stack, path)
	r.seen[path] = true
	r.ordered = append(r.ordered, source{path: path, settings: settings})
	return nil
}

func readFile(path string) (map[string]any, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	return v.AllSettings(), nil
}

func includeList(raw any) ([]string, error) {
	if raw == nil {
		return nil, nil
	}
	var items []any
	switch val := raw.(type) {
	case []any:
		items = val
	case []string:
		for _, s := range val {
			items = append(items, s)
		}
	case string:
		items = []any{val}
	default:
		return nil, fmt.Errorf("include must be a string array")
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		str, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("include only supports strings")
		}
		if str = strings.TrimSpace(str); str != "" {
			out = append(out, str)
		}
	}
	return out, nil
}

// markKeys 记录显式给出的叶子路径，默认值只填未出现的键。
func markKeys(prefix string, node any, dest keySet) {
	switch val := node.(type) {
	case map[string]any:
		for k, child := range val {
			next := strings.ToLower(strings.TrimSpace(k))
			if next == "" {
				continue
			}
			if prefix != "" {
				next = prefix + "." + next
			}
			markKeys(next, child, dest)
		}
	default:
		if prefix != "" {
			dest.mark(prefix)
		}
	}
}
