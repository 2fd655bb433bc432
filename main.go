package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"StitcheSenseAR/internal/arclient"
	"StitcheSenseAR/internal/arserver"
	"StitcheSenseAR/internal/config"
	"StitcheSenseAR/internal/fittings"
	"StitcheSenseAR/internal/measure"
	"StitcheSenseAR/internal/overlay"
	"StitcheSenseAR/internal/pose"
	"StitcheSenseAR/internal/protocol"
	"StitcheSenseAR/internal/session"
	"StitcheSenseAR/internal/template"
)

func main() {
	var (
		mode     = flag.String("mode", "demo", "运行模式: demo, server, client")
		addr     = flag.String("addr", "", "服务器地址（默认取配置）")
		url      = flag.String("url", "ws://localhost:18080/ws/ar-fitting", "WebSocket基础URL")
		clients  = flag.Int("clients", 1, "客户端数量")
		duration = flag.Duration("duration", 30*time.Second, "运行时长")
	)
	flag.Parse()

	switch *mode {
	case "demo":
		runDemo()
	case "server":
		runServer(*addr)
	case "client":
		runClient(*url, *clients, *duration)
	default:
		fmt.Printf("未知模式: %s\n", *mode)
		flag.Usage()
		os.Exit(1)
	}
}

// runDemo 运行演示模式
func runDemo() {
	fmt.Println("🚀 StitcheSenseAR - 实时AR礼服试衣服务")
	fmt.Println("=================================================")
	fmt.Println()

	fmt.Println("📋 项目特性:")
	fmt.Println("  ✅ WebSocket实时帧流 + 丢帧背压")
	fmt.Println("  ✅ 姿态关键点提取 + 身体测量估计")
	fmt.Println("  ✅ 裙装模板叠加渲染（晚礼服/婚纱/鸡尾酒裙/正装礼服）")
	fmt.Println("  ✅ 会话状态机 + 单帧在途约束")
	fmt.Println("  ✅ 试衣记录PostgreSQL存档")
	fmt.Println("  ✅ 完整测试套件(端到端/并发/渲染)")
	fmt.Println()

	fmt.Println("🔧 快速开始:")
	fmt.Println("  # 启动试衣服务器")
	fmt.Println("  go run main.go -mode=server")
	fmt.Println()
	fmt.Println("  # 运行模拟客户端")
	fmt.Println("  go run main.go -mode=client -clients=4 -duration=60s")
	fmt.Println()
	fmt.Println("  # 查看模板目录")
	fmt.Println("  curl http://localhost:18080/api/v1/ar/dress-templates")
}

// runServer 运行试衣服务器
func runServer(addr string) {
	cfg := config.GetARConfig()
	if addr == "" {
		addr = cfg.GetServerAddress()
	}

	fmt.Printf("🖥️  启动AR试衣服务器 %s\n", addr)

	// 模板目录
	store, err := loadTemplateStore(cfg)
	if err != nil {
		log.Fatalf("加载模板目录失败: %v", err)
	}
	fmt.Printf("👗 已加载 %d 套裙装模板\n", store.Len())

	// 帧处理管线
	pipeline := buildPipeline(cfg)

	registry := session.NewRegistry(store, pipeline, session.Config{
		MaxProcessingTime: cfg.Processing.MaxProcessingTime,
	})

	// 试衣记录存储（可选）
	var fittingStore *fittings.Store
	if cfg.Fittings.Enable {
		storeCfg := fittings.DefaultConfig(cfg.Fittings.DatabaseURL)
		storeCfg.MaxConns = int32(cfg.Fittings.MaxConns)
		storeCfg.QueryLimit = cfg.Fittings.QueryLimit
		fittingStore, err = fittings.NewStore(context.Background(), storeCfg)
		if err != nil {
			log.Fatalf("连接试衣记录存储失败: %v", err)
		}
		defer fittingStore.Close()
	}

	serverCfg := arserver.FromARConfig(cfg)
	serverCfg.Addr = addr
	server := arserver.New(serverCfg, registry, store, fittingStore)

	if err := server.Start(); err != nil {
		log.Fatalf("启动服务器失败: %v", err)
	}

	fmt.Printf("✅ 服务器已启动，监听地址: %s\n", addr)
	fmt.Printf("📊 统计信息: http://%s/stats\n", addr)
	fmt.Printf("🎥 WebSocket端点: ws://%s%s/{session_id}\n", addr, cfg.Server.WebSocket.Path)

	// 优雅关闭
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	<-c
	fmt.Println("\n🔄 正在关闭服务器...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("服务器关闭错误: %v", err)
	}

	fmt.Println("✅ 服务器已关闭")
}

// loadTemplateStore 加载裙装模板目录
func loadTemplateStore(cfg *config.ARConfig) (*template.Store, error) {
	if cfg.Templates.CatalogPath != "" {
		return template.LoadFromFile(cfg.Templates.CatalogPath)
	}
	return template.DefaultStore(), nil
}

// buildPipeline 按配置构建帧处理管线
func buildPipeline(cfg *config.ARConfig) session.Pipeline {
	var extractor pose.Extractor
	if cfg.Processing.PoseEndpoint != "" {
		remoteCfg := pose.DefaultRemoteConfig(cfg.Processing.PoseEndpoint)
		remoteCfg.RequestTimeout = cfg.Processing.RequestTimeout
		extractor = pose.NewRemoteExtractor(remoteCfg)
		fmt.Printf("🧍 姿态提取: 远程服务 %s\n", cfg.Processing.PoseEndpoint)
	} else {
		static := pose.NewStaticExtractor()
		static.SetResult(pose.FrontalPose(0.9))
		extractor = static
		fmt.Println("🧍 姿态提取: 内置静态提取器（未配置pose_endpoint）")
	}

	return session.Pipeline{
		Extractor: extractor,
		Estimator: measure.NewEstimator(measure.Config{
			MinLandmarkConfidence: cfg.Processing.MinLandmarkConfidence,
			ReferenceHeightCm:     cfg.Processing.ReferenceHeightCm,
		}),
		Renderer: overlay.NewRenderer(),
	}
}

// runClient 运行模拟客户端
func runClient(baseURL string, clientCount int, duration time.Duration) {
	fmt.Printf("🔥 启动模拟试衣客户端\n")
	fmt.Printf("   连接URL: %s\n", baseURL)
	fmt.Printf("   客户端数量: %d\n", clientCount)
	fmt.Printf("   运行时长: %v\n", duration)
	fmt.Println()

	ctx, cancel := context.WithTimeout(context.Background(), duration+10*time.Second)
	defer cancel()

	stats := &ClientStats{}
	clientList := make([]*arclient.Client, clientCount)

	// 创建客户端
	for i := 0; i < clientCount; i++ {
		sessionID := uuid.NewString()
		cfg := arclient.DefaultClientConfig(fmt.Sprintf("%s/%s", baseURL, sessionID), sessionID)
		cfg.CaptureInterval = 100 * time.Millisecond
		cfg.PingInterval = 5 * time.Second

		client := arclient.New(cfg)
		client.SetFrameSource(arclient.NewSyntheticSource(640, 480))

		client.SetResultHandler(func(result protocol.FrameResultData) {
			stats.AddResult(result.Success)
		})

		client.SetRTTHandler(func(rtt time.Duration) {
			stats.AddRTT(rtt)
		})

		client.SetStateChangeHandler(func(oldState, newState arclient.ClientState) {
			if newState == arclient.StateConnected {
				stats.AddConnection()
			} else if oldState == arclient.StateConnected {
				stats.RemoveConnection()
			}
		})

		clientList[i] = client
	}

	// 连接所有客户端
	fmt.Printf("🔗 正在连接 %d 个客户端...\n", clientCount)
	for i, client := range clientList {
		if err := client.Connect(ctx); err != nil {
			log.Printf("客户端 %d 连接失败: %v", i, err)
		} else {
			fmt.Printf("✅ 客户端 %d 已连接\n", i)
		}
		time.Sleep(10 * time.Millisecond) // 避免连接风暴
	}

	fmt.Printf("\n🚀 开始试衣推流，运行 %v...\n", duration)
	startTime := time.Now()

	// 周期性换装
	go func() {
		types := []template.SilhouetteType{
			template.EveningGown,
			template.WeddingDress,
			template.CocktailDress,
			template.FormalGown,
		}
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		round := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				round++
				for _, client := range clientList {
					client.SelectTemplate(protocol.DressConfig{
						Type: types[round%len(types)],
					})
				}
			}
		}
	}()

	// 定期打印统计
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				elapsed := time.Since(startTime)
				if elapsed >= duration {
					return
				}

				fmt.Printf("📊 [%.0fs] 连接: %d, 结果: %d (失败 %d), 平均RTT: %.1fms\n",
					elapsed.Seconds(), stats.GetConnections(), stats.GetResults(),
					stats.GetFailedResults(), stats.GetAverageRTT().Seconds()*1000)
			}
		}
	}()

	time.Sleep(duration)

	// 最终统计
	fmt.Printf("\n📋 推流完成!\n")
	fmt.Printf("   运行时长: %v\n", duration)
	fmt.Printf("   活跃连接: %d/%d\n", stats.GetConnections(), clientCount)
	fmt.Printf("   帧结果: %d (失败 %d)\n", stats.GetResults(), stats.GetFailedResults())
	fmt.Printf("   平均RTT: %.1fms\n", stats.GetAverageRTT().Seconds()*1000)

	if results := stats.GetResults(); results > 0 {
		throughput := float64(results) / duration.Seconds()
		fmt.Printf("   吞吐量: %.1f 帧结果/秒\n", throughput)
	}

	// 关闭所有客户端
	fmt.Printf("\n🔄 正在关闭客户端...\n")
	for i, client := range clientList {
		if err := client.Close(); err != nil {
			log.Printf("客户端 %d 关闭错误: %v", i, err)
		}
	}

	fmt.Println("✅ 模拟客户端已退出!")
}

// ClientStats 客户端统计信息
type ClientStats struct {
	connections   int
	results       int64
	failedResults int64
	rttSum        time.Duration
	rttCount      int64
	mu            sync.RWMutex
}

func (s *ClientStats) AddConnection() {
	s.mu.Lock()
	s.connections++
	s.mu.Unlock()
}

func (s *ClientStats) RemoveConnection() {
	s.mu.Lock()
	if s.connections > 0 {
		s.connections--
	}
	s.mu.Unlock()
}

func (s *ClientStats) AddResult(success bool) {
	s.mu.Lock()
	s.results++
	if !success {
		s.failedResults++
	}
	s.mu.Unlock()
}

func (s *ClientStats) AddRTT(rtt time.Duration) {
	s.mu.Lock()
	s.rttSum += rtt
	s.rttCount++
	s.mu.Unlock()
}

func (s *ClientStats) GetConnections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connections
}

func (s *ClientStats) GetResults() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.results
}

func (s *ClientStats) GetFailedResults() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failedResults
}

func (s *ClientStats) GetAverageRTT() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.rttCount == 0 {
		return 0
	}
	return s.rttSum / time.Duration(s.rttCount)
}
