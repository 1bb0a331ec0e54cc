package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/mmate-gateway/internal/rabbitmq"
	"github.com/redis/go-redis/v9"
)

// ConnectionState reports whether the broker connection is up.
// *rabbitmq.ConnectionManager implements it.
type ConnectionState interface {
	IsConnected() bool
}

// BrokerChecker checks the broker connection by opening a channel on it.
type BrokerChecker struct {
	state ConnectionState
	open  rabbitmq.ChannelOpener
}

// NewBrokerChecker creates a broker checker. open may be nil to only check
// the connection state.
func NewBrokerChecker(state ConnectionState, open rabbitmq.ChannelOpener) *BrokerChecker {
	return &BrokerChecker{state: state, open: open}
}

func (c *BrokerChecker) Name() string {
	return "rabbitmq"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.Name(), Timestamp: start, Details: map[string]any{}}

	connected := c.state.IsConnected()
	result.Details["connected"] = connected
	if !connected {
		result.Status = StatusUnhealthy
		result.Message = "Not connected to broker"
		result.Duration = time.Since(start)
		return result
	}

	if c.open != nil {
		ch, err := c.open()
		if err != nil {
			result.Status = StatusDegraded
			result.Message = "Failed to open channel"
			result.Error = err.Error()
			result.Duration = time.Since(start)
			return result
		}
		_ = ch.Close()
	}

	result.Status = StatusHealthy
	result.Message = "Connection is healthy"
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// ChannelPoolChecker checks the health of a channel pool
type ChannelPoolChecker struct {
	pool *rabbitmq.ChannelPool
}

// NewChannelPoolChecker creates a new channel pool health checker
func NewChannelPoolChecker(pool *rabbitmq.ChannelPool) *ChannelPoolChecker {
	return &ChannelPoolChecker{pool: pool}
}

func (c *ChannelPoolChecker) Name() string {
	return "channel_pool"
}

func (c *ChannelPoolChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.Name(), Timestamp: start, Details: map[string]any{}}

	err := c.pool.Execute(ctx, func(rabbitmq.Channel) error { return nil })
	result.Details["pool_size"] = c.pool.Size()
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to get channel from pool"
		result.Error = err.Error()
		return result
	}
	result.Status = StatusHealthy
	result.Message = "Channel pool is healthy"
	return result
}

// RedisChecker pings the shared cache and housekeeping lock server.
type RedisChecker struct {
	client redis.UniversalClient
}

// NewRedisChecker creates a redis health checker
func NewRedisChecker(client redis.UniversalClient) *RedisChecker {
	return &RedisChecker{client: client}
}

func (c *RedisChecker) Name() string {
	return "redis"
}

func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.Name(), Timestamp: start, Details: map[string]any{}}

	err := c.client.Ping(ctx).Err()
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	if err != nil {
		// the gateway falls back to per process caching
		result.Status = StatusDegraded
		result.Message = "Redis is unreachable"
		result.Error = err.Error()
		return result
	}
	result.Status = StatusHealthy
	result.Message = "Redis is reachable"
	return result
}

// ConnectionsChecker reports the number of open client connections and
// degrades once limit is reached.
type ConnectionsChecker struct {
	count func() int
	limit int
}

// NewConnectionsChecker creates a client connection checker. A limit of 0
// disables the threshold.
func NewConnectionsChecker(count func() int, limit int) *ConnectionsChecker {
	return &ConnectionsChecker{count: count, limit: limit}
}

func (c *ConnectionsChecker) Name() string {
	return "connections"
}

func (c *ConnectionsChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	n := c.count()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Status:    StatusHealthy,
		Message:   fmt.Sprintf("%d client connections", n),
		Details:   map[string]any{"connections": n},
	}
	if c.limit > 0 && n >= c.limit {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Connection limit reached: %d of %d", n, c.limit)
	}
	result.Duration = time.Since(start)
	return result
}

// MemoryChecker flags runaway goroutine counts.
type MemoryChecker struct {
	warning  int
	critical int
}

// NewMemoryChecker creates a checker degrading at warning goroutines and
// failing at critical.
func NewMemoryChecker(warning, critical int) *MemoryChecker {
	return &MemoryChecker{warning: warning, critical: critical}
}

func (c *MemoryChecker) Name() string {
	return "memory"
}

func (c *MemoryChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.Name(), Timestamp: start, Details: map[string]any{}}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()
	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.warning:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Memory usage is normal"
	}
	result.Duration = time.Since(start)
	return result
}

// ComponentChecker adapts a function to Checker.
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, error)) *ComponentChecker {
	return &ComponentChecker{name: name, checker: checker}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	status, message, err := c.checker(ctx)
	result := CheckResult{
		Name:      c.Name(),
		Status:    status,
		Message:   message,
		Timestamp: start,
		Duration:  time.Since(start),
	}
	if err != nil {
		result.Error = err.Error()
	}
	return result
}
