package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// 停机顺序：先停止消费，再刷新输出，然后保存进度，最后关闭存储和连接
const (
	OrderStopConsuming    = 10
	OrderStopAPI          = 15
	OrderFlushPublishers  = 20
	OrderSaveProgress     = 30
	OrderCloseStore       = 40
	OrderCloseConnections = 50
)

// ShutdownFunc 停机处理函数
type ShutdownFunc struct {
	Name  string
	Func  func(ctx context.Context) error
	Order int // 数字越小越早执行，相同顺序按注册先后
}

// GracefulShutdown 信号驱动的优雅停机
// 停机开始时先取消主上下文，再在总超时内依次执行已注册的处理函数
type GracefulShutdown struct {
	logger  *logrus.Logger
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	signals chan os.Signal
	stopCh  chan struct{}
	stopped sync.Once

	begin  sync.Once
	doneCh chan struct{}

	mu    sync.Mutex
	funcs []ShutdownFunc
	err   error
	began bool
}

// NewGracefulShutdown 创建优雅停机管理器
func NewGracefulShutdown(timeout time.Duration, logger *logrus.Logger) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &GracefulShutdown{
		logger:  logger,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
		signals: make(chan os.Signal, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// RegisterShutdownFunc 注册停机处理函数
func (gs *GracefulShutdown) RegisterShutdownFunc(name string, fn func(ctx context.Context) error, order int) {
	gs.mu.Lock()
	gs.funcs = append(gs.funcs, ShutdownFunc{Name: name, Func: fn, Order: order})
	gs.mu.Unlock()

	gs.logger.Debugf("注册停机处理函数: %s (order: %d)", name, order)
}

// Start 监听 SIGINT、SIGTERM、SIGQUIT
func (gs *GracefulShutdown) Start() {
	signal.Notify(gs.signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		select {
		case sig := <-gs.signals:
			gs.logger.Infof("收到停机信号: %v", sig)
			gs.run()
		case <-gs.stopCh:
		}
	}()
	gs.logger.Info("优雅停机管理器已启动，监听信号: SIGINT, SIGTERM, SIGQUIT")
}

// Context 主上下文，停机开始时取消
func (gs *GracefulShutdown) Context() context.Context {
	return gs.ctx
}

// Done 停机流程完成后关闭
func (gs *GracefulShutdown) Done() <-chan struct{} {
	return gs.doneCh
}

// Shutdown 手动触发停机并等待完成，重复调用返回第一次的结果
func (gs *GracefulShutdown) Shutdown() error {
	gs.run()
	<-gs.doneCh

	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.err
}

// Close 停止监听信号并执行停机
func (gs *GracefulShutdown) Close() error {
	gs.stopped.Do(func() {
		signal.Stop(gs.signals)
		close(gs.stopCh)
	})
	return gs.Shutdown()
}

// IsShuttingDown 停机是否已经开始
func (gs *GracefulShutdown) IsShuttingDown() bool {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.began
}

// GetRegisteredFunctions 已注册的处理函数名，按注册顺序
func (gs *GracefulShutdown) GetRegisteredFunctions() []string {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	names := make([]string, len(gs.funcs))
	for i, fn := range gs.funcs {
		names[i] = fn.Name
	}
	return names
}

func (gs *GracefulShutdown) run() {
	gs.begin.Do(func() {
		defer close(gs.doneCh)

		gs.mu.Lock()
		gs.began = true
		funcs := append([]ShutdownFunc(nil), gs.funcs...)
		gs.mu.Unlock()

		gs.logger.Info("开始优雅停机流程...")
		gs.cancel()

		err := gs.execute(funcs)

		gs.mu.Lock()
		gs.err = err
		gs.mu.Unlock()

		if err != nil {
			gs.logger.Errorf("优雅停机完成，但有错误: %v", err)
		} else {
			gs.logger.Info("优雅停机流程完成")
		}
	})
}

// execute 在总超时内按顺序执行，超时后跳过剩余处理
func (gs *GracefulShutdown) execute(funcs []ShutdownFunc) error {
	ctx, cancel := context.WithTimeout(context.Background(), gs.timeout)
	defer cancel()

	sort.SliceStable(funcs, func(i, j int) bool {
		return funcs[i].Order < funcs[j].Order
	})

	var errs []error
	for _, fn := range funcs {
		start := time.Now()
		if err := fn.Func(ctx); err != nil {
			gs.logger.Errorf("停机处理 '%s' 失败 (耗时: %v): %v", fn.Name, time.Since(start), err)
			errs = append(errs, fmt.Errorf("%s: %w", fn.Name, err))
		} else {
			gs.logger.Infof("停机处理 '%s' 完成 (耗时: %v)", fn.Name, time.Since(start))
		}

		if ctx.Err() != nil {
			gs.logger.Warn("停机超时，跳过剩余处理")
			errs = append(errs, fmt.Errorf("停机超时"))
			break
		}
	}

	return errors.Join(errs...)
}
