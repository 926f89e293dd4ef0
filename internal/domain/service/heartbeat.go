package service

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HeartbeatRunner executes one heartbeat prompt line and delivers the
// result; wired by the application layer against the one-shot LLM
// caller and the channel deliverer.
type HeartbeatRunner func(ctx context.Context, chatID int64, prompt string) (string, error)

// HeartbeatConfig configures the standing HEARTBEAT.md job.
type HeartbeatConfig struct {
	FilePath string        // path to HEARTBEAT.md (default "HEARTBEAT.md")
	Interval time.Duration // re-read cadence (default 1h)
	ChatID   int64         // delivery target
	Enabled  bool
}

// HeartbeatService re-reads HEARTBEAT.md on a fixed interval and runs
// every non-comment line as a one-shot prompt. It predates the cron
// scheduler as a simpler always-on nudge and is kept for prompts the
// user wants to edit as a plain file rather than manage as cron rows.
type HeartbeatService struct {
	mu      sync.Mutex
	cfg     HeartbeatConfig
	run     HeartbeatRunner
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

func NewHeartbeatService(cfg HeartbeatConfig, logger *zap.Logger) *HeartbeatService {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.FilePath == "" {
		cfg.FilePath = "HEARTBEAT.md"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &HeartbeatService{cfg: cfg, logger: logger, ctx: ctx, cancel: cancel}
}

// SetExecutor installs the runner invoked per heartbeat line.
func (h *HeartbeatService) SetExecutor(run HeartbeatRunner) {
	h.run = run
}

// Start launches the tick loop; a disabled or already-running service
// is a no-op.
func (h *HeartbeatService) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.cfg.Enabled || h.running {
		if !h.cfg.Enabled {
			h.logger.Info("heartbeat: disabled")
		}
		return nil
	}
	h.running = true
	h.logger.Info("heartbeat: started",
		zap.String("file", h.cfg.FilePath),
		zap.Duration("interval", h.cfg.Interval),
	)
	go h.loop()
	return nil
}

// Stop halts the loop.
func (h *HeartbeatService) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		h.cancel()
		h.running = false
		h.logger.Info("heartbeat: stopped")
	}
}

func (h *HeartbeatService) loop() {
	h.tick() // run once immediately on start

	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.tick()
		}
	}
}

// tick re-reads the file and runs each line. The file is re-read
// every tick so edits take effect without a restart.
func (h *HeartbeatService) tick() {
	if h.run == nil {
		h.logger.Warn("heartbeat: no runner wired, skipping")
		return
	}
	prompts, err := readHeartbeatLines(h.cfg.FilePath)
	if err != nil {
		h.logger.Debug("heartbeat: file not available", zap.String("path", h.cfg.FilePath), zap.Error(err))
		return
	}
	for _, prompt := range prompts {
		if _, err := h.run(h.ctx, h.cfg.ChatID, prompt); err != nil {
			h.logger.Error("heartbeat: prompt failed", zap.String("prompt", prompt), zap.Error(err))
		}
	}
}

// readHeartbeatLines parses the file: every non-empty line that isn't
// a markdown header or comment is one prompt.
func readHeartbeatLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read heartbeat file: %w", err)
	}
	var prompts []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			continue
		}
		prompts = append(prompts, line)
	}
	return prompts, nil
}
