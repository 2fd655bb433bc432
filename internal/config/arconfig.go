package config

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ARConfig AR试衣服务统一配置结构（mapstructure标签供viper解码，yaml标签供直接序列化）
type ARConfig struct {
	Meta       MetaConfig       `yaml:"meta" mapstructure:"meta"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Client     ClientConfig     `yaml:"client" mapstructure:"client"`
	Processing ProcessingConfig `yaml:"processing" mapstructure:"processing"`
	Templates  TemplatesConfig  `yaml:"templates" mapstructure:"templates"`
	Fittings   FittingsConfig   `yaml:"fittings" mapstructure:"fittings"`
	Logging    LoggingConfig    `yaml:"logging" mapstructure:"logging"`
}

type MetaConfig struct {
	Project       string `yaml:"project" mapstructure:"project"`
	ConfigVersion string `yaml:"config_version" mapstructure:"config_version"`
	LastUpdated   string `yaml:"last_updated" mapstructure:"last_updated"`
}

type ServerConfig struct {
	BaseHost       string          `yaml:"base_host" mapstructure:"base_host"`
	Port           int             `yaml:"port" mapstructure:"port"`
	PortRange      PortRangeConfig `yaml:"port_range" mapstructure:"port_range"`
	DefaultTimeout time.Duration   `yaml:"default_timeout" mapstructure:"default_timeout"`
	WebSocket      WebSocketConfig `yaml:"websocket" mapstructure:"websocket"`
	CORS           CORSConfig      `yaml:"cors" mapstructure:"cors"`
}

type PortRangeConfig struct {
	Start int `yaml:"start" mapstructure:"start"`
	End   int `yaml:"end" mapstructure:"end"`
}

type WebSocketConfig struct {
	Path              string        `yaml:"path" mapstructure:"path"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout" mapstructure:"handshake_timeout"`
	ReadBufferSize    int           `yaml:"read_buffer_size" mapstructure:"read_buffer_size"`
	WriteBufferSize   int           `yaml:"write_buffer_size" mapstructure:"write_buffer_size"`
	EnableCompression bool          `yaml:"enable_compression" mapstructure:"enable_compression"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

type ClientConfig struct {
	CaptureInterval time.Duration    `yaml:"capture_interval" mapstructure:"capture_interval"`
	Connection      ConnectionConfig `yaml:"connection" mapstructure:"connection"`
	Ping            PingConfig       `yaml:"ping" mapstructure:"ping"`
	Reconnect       ReconnectConfig  `yaml:"reconnect" mapstructure:"reconnect"`
}

type ConnectionConfig struct {
	Timeout       time.Duration `yaml:"timeout" mapstructure:"timeout"`
	RetryInterval time.Duration `yaml:"retry_interval" mapstructure:"retry_interval"`
	MaxRetries    int           `yaml:"max_retries" mapstructure:"max_retries"`
	KeepAlive     bool          `yaml:"keep_alive" mapstructure:"keep_alive"`
}

type PingConfig struct {
	Interval  time.Duration `yaml:"interval" mapstructure:"interval"`
	Timeout   time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxMissed int           `yaml:"max_missed" mapstructure:"max_missed"`
}

type ReconnectConfig struct {
	Enable          bool          `yaml:"enable" mapstructure:"enable"`
	InitialInterval time.Duration `yaml:"initial_interval" mapstructure:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval" mapstructure:"max_interval"`
	Multiplier      float64       `yaml:"multiplier" mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration `yaml:"max_elapsed_time" mapstructure:"max_elapsed_time"`
}

// ProcessingConfig 帧处理管线配置
type ProcessingConfig struct {
	// MinLandmarkConfidence 测量所需的最低关键点置信度门限
	MinLandmarkConfidence float64 `yaml:"min_landmark_confidence" mapstructure:"min_landmark_confidence"`
	// ReferenceHeightCm 标定身高（厘米）；为0时输出归一化单位
	ReferenceHeightCm float64 `yaml:"reference_height_cm" mapstructure:"reference_height_cm"`
	// MaxProcessingTime 单帧处理看门狗超时；为0时关闭
	MaxProcessingTime time.Duration `yaml:"max_processing_time" mapstructure:"max_processing_time"`
	// PoseEndpoint 远程姿态提取服务地址；为空时使用内置静态提取器
	PoseEndpoint   string        `yaml:"pose_endpoint" mapstructure:"pose_endpoint"`
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	JPEGQuality    int           `yaml:"jpeg_quality" mapstructure:"jpeg_quality"`
}

type TemplatesConfig struct {
	CatalogPath string `yaml:"catalog_path" mapstructure:"catalog_path"`
}

type FittingsConfig struct {
	Enable      bool          `yaml:"enable" mapstructure:"enable"`
	DatabaseURL string        `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int           `yaml:"max_conns" mapstructure:"max_conns"`
	QueryLimit  int           `yaml:"query_limit" mapstructure:"query_limit"`
	SaveTimeout time.Duration `yaml:"save_timeout" mapstructure:"save_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
	Output string `yaml:"output" mapstructure:"output"`
}

// 全局配置实例
var (
	globalConfig  *ARConfig
	configOnce    sync.Once
	portManager   *PortManager
	viperInstance *viper.Viper
)

// PortManager 端口管理器（测试中为并行服务器分配端口）
type PortManager struct {
	mu        sync.Mutex
	usedPorts map[int]bool
	start     int
	end       int
}

// NewPortManager 创建端口管理器
func NewPortManager(start, end int) *PortManager {
	return &PortManager{
		usedPorts: make(map[int]bool),
		start:     start,
		end:       end,
	}
}

// AllocatePort 分配可用端口
func (pm *PortManager) AllocatePort() (int, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	for port := pm.start; port <= pm.end; port++ {
		if !pm.usedPorts[port] && pm.isPortAvailable(port) {
			pm.usedPorts[port] = true
			return port, nil
		}
	}
	return 0, fmt.Errorf("no available ports in range %d-%d", pm.start, pm.end)
}

// ReleasePort 释放端口
func (pm *PortManager) ReleasePort(port int) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.usedPorts, port)
}

// isPortAvailable 检查端口是否可用
func (pm *PortManager) isPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// LoadARConfig 加载AR服务配置
func LoadARConfig() (*ARConfig, error) {
	var err error
	configOnce.Do(func() {
		globalConfig, viperInstance, err = loadConfigFromFile()
		if err == nil && portManager == nil {
			portManager = NewPortManager(
				globalConfig.Server.PortRange.Start,
				globalConfig.Server.PortRange.End,
			)
		}
	})
	return globalConfig, err
}

// GetARConfig 获取配置；加载失败时回退到最小可用配置
func GetARConfig() *ARConfig {
	if globalConfig == nil {
		config, err := LoadARConfig()
		if err != nil {
			fmt.Printf("Warning: Failed to load config file, using minimal config: %v\n", err)
			globalConfig = createMinimalConfig()
		} else {
			globalConfig = config
		}

		if portManager == nil {
			portManager = NewPortManager(
				globalConfig.Server.PortRange.Start,
				globalConfig.Server.PortRange.End,
			)
		}
	}
	return globalConfig
}

// createMinimalConfig 创建最小可用配置
func createMinimalConfig() *ARConfig {
	return &ARConfig{
		Meta: MetaConfig{
			Project:       "StitcheSenseAR",
			ConfigVersion: "1.0.0",
			LastUpdated:   "2026-08-28",
		},
		Server: ServerConfig{
			BaseHost: "127.0.0.1",
			Port:     18080,
			PortRange: PortRangeConfig{
				Start: 18000,
				End:   18999,
			},
			DefaultTimeout: 10 * time.Second,
			WebSocket: WebSocketConfig{
				Path:              "/ws/ar-fitting",
				HandshakeTimeout:  15 * time.Second,
				ReadBufferSize:    65536,
				WriteBufferSize:   65536,
				EnableCompression: true,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       120 * time.Second,
			},
			CORS: CORSConfig{
				AllowedOrigins: []string{"*"},
			},
		},
		Client: ClientConfig{
			CaptureInterval: 100 * time.Millisecond,
			Connection: ConnectionConfig{
				Timeout:       10 * time.Second,
				RetryInterval: 1 * time.Second,
				MaxRetries:    5,
				KeepAlive:     true,
			},
			Ping: PingConfig{
				Interval:  30 * time.Second,
				Timeout:   10 * time.Second,
				MaxMissed: 3,
			},
			Reconnect: ReconnectConfig{
				Enable:          true,
				InitialInterval: 1 * time.Second,
				MaxInterval:     30 * time.Second,
				Multiplier:      2.0,
				MaxElapsedTime:  5 * time.Minute,
			},
		},
		Processing: ProcessingConfig{
			MinLandmarkConfidence: 0.3,
			MaxProcessingTime:     0,
			RequestTimeout:        10 * time.Second,
			JPEGQuality:           80,
		},
		Templates: TemplatesConfig{
			CatalogPath: "",
		},
		Fittings: FittingsConfig{
			Enable:      false,
			MaxConns:    25,
			QueryLimit:  50,
			SaveTimeout: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// GetPortManager 获取端口管理器
func GetPortManager() *PortManager {
	if portManager == nil {
		GetARConfig() // 确保配置已加载
	}
	return portManager
}

// loadConfigFromFile 使用Viper从文件加载配置
func loadConfigFromFile() (*ARConfig, *viper.Viper, error) {
	v := viper.New()

	// 配置文件搜索路径
	v.SetConfigName("ar-config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("../configs")
	v.AddConfigPath("../../configs")
	v.AddConfigPath(".")

	// 设置环境变量前缀
	v.SetEnvPrefix("AR")
	v.AutomaticEnv()

	// 设置默认值
	setDefaultValues(v)

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		// 如果配置文件不存在，使用默认值
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, nil, fmt.Errorf("failed to read config file: %v", err)
		}
	}

	// 解析到结构体
	var config ARConfig
	if err := v.Unmarshal(&config); err != nil {
		fmt.Printf("Warning: Failed to unmarshal config, using minimal config: %v\n", err)
		config = *createMinimalConfig()
		return &config, v, nil
	}

	// PortRange用GetInt兜底，避免嵌套键解析偏差
	config.Server.PortRange.Start = v.GetInt("server.port_range.start")
	config.Server.PortRange.End = v.GetInt("server.port_range.end")

	if config.Server.DefaultTimeout == 0 {
		if d := v.GetDuration("server.default_timeout"); d > 0 {
			config.Server.DefaultTimeout = d
		} else {
			config.Server.DefaultTimeout = 10 * time.Second
		}
	}

	// 验证配置
	if err := validateConfig(&config); err != nil {
		fmt.Printf("Warning: Config validation failed, using minimal config: %v\n", err)
		config = *createMinimalConfig()
		return &config, v, nil
	}

	return &config, v, nil
}

// setDefaultValues 设置默认配置值
func setDefaultValues(v *viper.Viper) {
	// Meta默认值
	v.SetDefault("meta.project", "StitcheSenseAR")
	v.SetDefault("meta.config_version", "1.0.0")

	// Server默认值
	v.SetDefault("server.base_host", "127.0.0.1")
	v.SetDefault("server.port", 18080)
	v.SetDefault("server.port_range.start", 18000)
	v.SetDefault("server.port_range.end", 18999)
	v.SetDefault("server.default_timeout", "10s")
	v.SetDefault("server.websocket.path", "/ws/ar-fitting")
	v.SetDefault("server.websocket.handshake_timeout", "15s")
	v.SetDefault("server.websocket.read_buffer_size", 65536)
	v.SetDefault("server.websocket.write_buffer_size", 65536)
	v.SetDefault("server.websocket.enable_compression", true)
	v.SetDefault("server.websocket.write_timeout", "10s")
	v.SetDefault("server.websocket.idle_timeout", "120s")
	v.SetDefault("server.cors.allowed_origins", []string{"*"})

	// Client默认值
	v.SetDefault("client.capture_interval", "100ms")
	v.SetDefault("client.connection.timeout", "10s")
	v.SetDefault("client.connection.retry_interval", "1s")
	v.SetDefault("client.connection.max_retries", 5)
	v.SetDefault("client.connection.keep_alive", true)
	v.SetDefault("client.ping.interval", "30s")
	v.SetDefault("client.ping.timeout", "10s")
	v.SetDefault("client.ping.max_missed", 3)
	v.SetDefault("client.reconnect.enable", true)
	v.SetDefault("client.reconnect.initial_interval", "1s")
	v.SetDefault("client.reconnect.max_interval", "30s")
	v.SetDefault("client.reconnect.multiplier", 2.0)
	v.SetDefault("client.reconnect.max_elapsed_time", "5m")

	// 帧处理默认值
	v.SetDefault("processing.min_landmark_confidence", 0.3)
	v.SetDefault("processing.reference_height_cm", 0)
	v.SetDefault("processing.max_processing_time", "0s")
	v.SetDefault("processing.pose_endpoint", "")
	v.SetDefault("processing.request_timeout", "10s")
	v.SetDefault("processing.jpeg_quality", 80)

	// 模板目录默认值
	v.SetDefault("templates.catalog_path", "")

	// 试衣记录存储默认值
	v.SetDefault("fittings.enable", false)
	v.SetDefault("fittings.database_url", "")
	v.SetDefault("fittings.max_conns", 25)
	v.SetDefault("fittings.query_limit", 50)
	v.SetDefault("fittings.save_timeout", "5s")

	// 日志默认值
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

// validateConfig 验证配置有效性
func validateConfig(config *ARConfig) error {
	// 验证端口范围
	if config.Server.PortRange.Start >= config.Server.PortRange.End {
		return fmt.Errorf("invalid port range: start(%d) >= end(%d)",
			config.Server.PortRange.Start, config.Server.PortRange.End)
	}

	// 验证超时时间
	if config.Server.DefaultTimeout <= 0 {
		return fmt.Errorf("invalid server timeout: %v", config.Server.DefaultTimeout)
	}

	if config.Client.Connection.Timeout <= 0 {
		return fmt.Errorf("invalid client connection timeout: %v", config.Client.Connection.Timeout)
	}

	// 验证置信度门限
	if config.Processing.MinLandmarkConfidence < 0 || config.Processing.MinLandmarkConfidence > 1 {
		return fmt.Errorf("invalid min landmark confidence: %f (must be between 0 and 1)",
			config.Processing.MinLandmarkConfidence)
	}

	if config.Processing.ReferenceHeightCm < 0 {
		return fmt.Errorf("invalid reference height: %f", config.Processing.ReferenceHeightCm)
	}

	if config.Fittings.Enable && config.Fittings.DatabaseURL == "" {
		return fmt.Errorf("fittings storage enabled but database_url is empty")
	}

	return nil
}

// GetConfigValue 获取配置值（支持环境变量覆盖）
func GetConfigValue(key string) interface{} {
	if viperInstance != nil {
		return viperInstance.Get(key)
	}
	return nil
}

// GetConfigString 获取字符串配置值
func GetConfigString(key string) string {
	if viperInstance != nil {
		return viperInstance.GetString(key)
	}
	return ""
}

// GetConfigInt 获取整数配置值
func GetConfigInt(key string) int {
	if viperInstance != nil {
		return viperInstance.GetInt(key)
	}
	return 0
}

// GetConfigDuration 获取时间配置值
func GetConfigDuration(key string) time.Duration {
	if viperInstance != nil {
		return viperInstance.GetDuration(key)
	}
	return 0
}

// GetConfigBool 获取布尔配置值
func GetConfigBool(key string) bool {
	if viperInstance != nil {
		return viperInstance.GetBool(key)
	}
	return false
}

// SetConfigValue 设置配置值（运行时动态配置）
func SetConfigValue(key string, value interface{}) {
	if viperInstance != nil {
		viperInstance.Set(key, value)
	}
}

// WatchConfig 监听配置文件变化（热重载）
func WatchConfig() {
	if viperInstance != nil {
		viperInstance.WatchConfig()
		viperInstance.OnConfigChange(func(e fsnotify.Event) {
			fmt.Printf("Config file changed: %s\n", e.Name)
			reloadConfig()
		})
	}
}

// reloadConfig 重新加载配置
func reloadConfig() {
	var newConfig ARConfig
	if err := viperInstance.Unmarshal(&newConfig); err != nil {
		fmt.Printf("Failed to reload config: %v\n", err)
		return
	}

	if err := validateConfig(&newConfig); err != nil {
		fmt.Printf("Config validation failed during reload: %v\n", err)
		return
	}

	globalConfig = &newConfig
	fmt.Println("Configuration reloaded successfully")
}

// GetServerAddress 获取服务监听地址
func (c *ARConfig) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.BaseHost, c.Server.Port)
}

// AllocateTestAddress 从端口范围分配一个测试服务器地址
func (c *ARConfig) AllocateTestAddress() (string, error) {
	port, err := GetPortManager().AllocatePort()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", c.Server.BaseHost, port), nil
}

// GetWebSocketURL 拼出指定会话的WebSocket URL
func (c *ARConfig) GetWebSocketURL(addr, sessionID string) string {
	path := strings.TrimSuffix(c.Server.WebSocket.Path, "/")
	return fmt.Sprintf("ws://%s%s/%s", addr, path, sessionID)
}

// ReleaseServerPort 释放测试服务器端口
func (c *ARConfig) ReleaseServerPort(addr string) {
	if host, portStr, err := net.SplitHostPort(addr); err == nil && host == c.Server.BaseHost {
		if port := parsePort(portStr); port > 0 {
			GetPortManager().ReleasePort(port)
		}
	}
}

// parsePort 解析端口号
func parsePort(portStr string) int {
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return port
}

// GetLogLevel 获取日志级别
func (c *ARConfig) GetLogLevel() string {
	if c.Logging.Level == "" {
		return "info"
	}
	return c.Logging.Level
}

// IsDebugEnabled 是否启用调试模式
func (c *ARConfig) IsDebugEnabled() bool {
	return c.GetLogLevel() == "debug"
}
