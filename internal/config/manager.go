package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ConfigManager 统一配置管理器
type ConfigManager struct {
	mu           sync.RWMutex
	arConfig     *ARConfig
	arViper      *viper.Viper
	watchEnabled bool
}

// ConfigManagerOption 配置管理器选项
type ConfigManagerOption func(*ConfigManager)

// WithWatchEnabled 启用配置文件监控
func WithWatchEnabled(enabled bool) ConfigManagerOption {
	return func(cm *ConfigManager) {
		cm.watchEnabled = enabled
	}
}

// NewConfigManager 创建配置管理器
func NewConfigManager(opts ...ConfigManagerOption) *ConfigManager {
	cm := &ConfigManager{
		watchEnabled: false,
	}

	for _, opt := range opts {
		opt(cm)
	}

	return cm
}

// LoadConfig 加载AR服务配置
func (cm *ConfigManager) LoadConfig() (*ARConfig, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.arConfig != nil {
		return cm.arConfig, nil
	}

	config, viperInstance, err := loadConfigFromFile()
	if err != nil {
		return nil, fmt.Errorf("加载AR服务配置失败: %w", err)
	}

	cm.arConfig = config
	cm.arViper = viperInstance

	// 启用监控
	if cm.watchEnabled {
		cm.watchARConfig()
	}

	return config, nil
}

// GetConfig 获取配置（如果未加载则自动加载）
func (cm *ConfigManager) GetConfig() (*ARConfig, error) {
	cm.mu.RLock()
	if cm.arConfig != nil {
		defer cm.mu.RUnlock()
		return cm.arConfig, nil
	}
	cm.mu.RUnlock()

	return cm.LoadConfig()
}

// ReloadConfig 重新加载配置
func (cm *ConfigManager) ReloadConfig() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	config, viperInstance, err := loadConfigFromFile()
	if err != nil {
		return fmt.Errorf("重新加载AR服务配置失败: %w", err)
	}

	cm.arConfig = config
	cm.arViper = viperInstance

	return nil
}

// watchARConfig 监控配置文件变化
func (cm *ConfigManager) watchARConfig() {
	if cm.arViper == nil {
		return
	}

	cm.arViper.WatchConfig()
	cm.arViper.OnConfigChange(func(e fsnotify.Event) {
		// 配置文件变化时重新加载
		cm.ReloadConfig()
	})
}

// ValidateConfigs 验证配置
func (cm *ConfigManager) ValidateConfigs() error {
	config, err := cm.GetConfig()
	if err != nil {
		return fmt.Errorf("AR服务配置验证失败: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return fmt.Errorf("AR服务配置验证失败: %w", err)
	}

	return nil
}

// GetConfigSummary 获取配置摘要信息
func (cm *ConfigManager) GetConfigSummary() (map[string]interface{}, error) {
	summary := make(map[string]interface{})

	if config, err := cm.GetConfig(); err == nil {
		summary["ar_config"] = map[string]interface{}{
			"project":          config.Meta.Project,
			"config_version":   config.Meta.ConfigVersion,
			"last_updated":     config.Meta.LastUpdated,
			"server_host":      config.Server.BaseHost,
			"websocket_path":   config.Server.WebSocket.Path,
			"fittings_enabled": config.Fittings.Enable,
		}
	}

	return summary, nil
}

// 全局配置管理器实例
var (
	globalConfigManager *ConfigManager
	configManagerOnce   sync.Once
)

// GetGlobalConfigManager 获取全局配置管理器
func GetGlobalConfigManager() *ConfigManager {
	configManagerOnce.Do(func() {
		globalConfigManager = NewConfigManager(
			WithWatchEnabled(true),
		)
	})
	return globalConfigManager
}

// GetGlobalConfig 获取全局AR服务配置
func GetGlobalConfig() (*ARConfig, error) {
	return GetGlobalConfigManager().GetConfig()
}
