package database

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Probe 单个依赖的探活函数
type Probe func(ctx context.Context) error

// ComponentStatus 单个依赖的健康状态
type ComponentStatus struct {
	Name         string    `json:"name"`
	Healthy      bool      `json:"healthy"`
	LastCheck    time.Time `json:"last_check"`
	LastError    string    `json:"last_error,omitempty"`
	ResponseTime string    `json:"response_time,omitempty"`
}

// HealthCheckResult 健康检查结果
type HealthCheckResult struct {
	Healthy    bool              `json:"healthy"`
	Components []ComponentStatus `json:"components"`
}

// HealthChecker 存储依赖（数据库、Redis）健康检查器
type HealthChecker struct {
	logger        *logrus.Logger
	checkInterval time.Duration
	timeout       time.Duration
	probes        map[string]Probe
	status        map[string]ComponentStatus
	mu            sync.RWMutex
	stopChan      chan struct{}
	running       bool
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(logger *logrus.Logger) *HealthChecker {
	if logger == nil {
		logger = logrus.New()
	}
	return &HealthChecker{
		logger:        logger,
		checkInterval: 30 * time.Second,
		timeout:       5 * time.Second,
		probes:        make(map[string]Probe),
		status:        make(map[string]ComponentStatus),
		stopChan:      make(chan struct{}),
	}
}

// SQLProbe 数据库 ping
func SQLProbe(db *sql.DB) Probe {
	return func(ctx context.Context) error {
		return db.PingContext(ctx)
	}
}

// RedisProbe Redis ping
func RedisProbe(client redis.UniversalClient) Probe {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}

// Register 注册一个依赖
func (hc *HealthChecker) Register(name string, probe Probe) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.probes[name] = probe
	hc.status[name] = ComponentStatus{Name: name}
}

// SetCheckInterval 设置检查间隔
func (hc *HealthChecker) SetCheckInterval(interval time.Duration) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checkInterval = interval
}

// Start 后台定期检查，ctx 取消或 Stop 后退出
func (hc *HealthChecker) Start(ctx context.Context) {
	hc.mu.Lock()
	if hc.running {
		hc.mu.Unlock()
		return
	}
	hc.running = true
	interval := hc.checkInterval
	hc.mu.Unlock()

	hc.logger.Info("Starting storage health checker")
	hc.CheckAll(ctx)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				hc.markStopped()
				return
			case <-hc.stopChan:
				hc.markStopped()
				return
			case <-ticker.C:
				hc.CheckAll(ctx)
			}
		}
	}()
}

func (hc *HealthChecker) markStopped() {
	hc.mu.Lock()
	hc.running = false
	hc.mu.Unlock()
	hc.logger.Info("Storage health checker stopped")
}

// Stop 停止健康检查
func (hc *HealthChecker) Stop() {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if !hc.running {
		return
	}
	close(hc.stopChan)
	hc.stopChan = make(chan struct{})
}

// CheckAll 依次检查所有依赖
func (hc *HealthChecker) CheckAll(ctx context.Context) HealthCheckResult {
	hc.mu.RLock()
	names := make([]string, 0, len(hc.probes))
	for name := range hc.probes {
		names = append(names, name)
	}
	hc.mu.RUnlock()

	sort.Strings(names)
	for _, name := range names {
		_ = hc.Check(ctx, name)
	}
	return hc.GetHealthResult()
}

// Check 检查单个依赖
func (hc *HealthChecker) Check(ctx context.Context, name string) error {
	hc.mu.RLock()
	probe, ok := hc.probes[name]
	previous := hc.status[name]
	hc.mu.RUnlock()
	if !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, hc.timeout)
	defer cancel()

	start := time.Now()
	err := probe(ctx)
	responseTime := time.Since(start)

	status := ComponentStatus{
		Name:         name,
		Healthy:      err == nil,
		LastCheck:    time.Now(),
		ResponseTime: responseTime.String(),
	}
	if err != nil {
		status.LastError = err.Error()
		hc.logger.WithFields(logrus.Fields{
			"component":     name,
			"error":         err.Error(),
			"response_time": responseTime,
		}).Warn("Health check failed")
	} else if !previous.Healthy && !previous.LastCheck.IsZero() {
		hc.logger.WithField("component", name).Info("Connection restored")
	}

	hc.mu.Lock()
	hc.status[name] = status
	hc.mu.Unlock()
	return err
}

// IsHealthy 所有依赖都健康
func (hc *HealthChecker) IsHealthy() bool {
	return hc.GetHealthResult().Healthy
}

// GetHealthResult 获取最近一次检查结果
func (hc *HealthChecker) GetHealthResult() HealthCheckResult {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	result := HealthCheckResult{Healthy: len(hc.status) > 0}
	for _, status := range hc.status {
		result.Components = append(result.Components, status)
		if !status.Healthy {
			result.Healthy = false
		}
	}
	sort.Slice(result.Components, func(i, j int) bool {
		return result.Components[i].Name < result.Components[j].Name
	})
	return result
}
