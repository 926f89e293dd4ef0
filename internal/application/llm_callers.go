package application

import (
	"context"

	"go.uber.org/zap"

	"github.com/kestrelrun/kestrel/internal/domain/entity"
	"github.com/kestrelrun/kestrel/internal/infrastructure/llmcli"
)

// CronLLMRunner implements cron.Runner over a fresh one-shot LLM CLI
// adapter per tick — each cron job accumulates its own session
// continuity via the job's stored SessionID rather than a shared
// persistent subprocess.
type CronLLMRunner struct {
	cfg    llmcli.Config
	logger *zap.Logger
}

func NewCronLLMRunner(cfg llmcli.Config, logger *zap.Logger) *CronLLMRunner {
	return &CronLLMRunner{cfg: cfg, logger: logger}
}

func (r *CronLLMRunner) RunOneShot(ctx context.Context, job *entity.CronJob) (string, error) {
	adapter := llmcli.NewOneShot(r.cfg, r.logger)
	defer adapter.Close()

	res, err := adapter.Call(ctx, llmcli.Request{
		Prompt:    job.Prompt,
		SessionID: job.SessionID,
		Model:     job.Model,
	}, llmcli.StreamOptions{})
	if err != nil {
		return "", err
	}
	return res.FinalText, nil
}

// WorkflowLLMCaller implements workflow.LLMCaller the same way: one
// fresh one-shot adapter per `llm` step.
type WorkflowLLMCaller struct {
	cfg    llmcli.Config
	logger *zap.Logger
}

func NewWorkflowLLMCaller(cfg llmcli.Config, logger *zap.Logger) *WorkflowLLMCaller {
	return &WorkflowLLMCaller{cfg: cfg, logger: logger}
}

func (c *WorkflowLLMCaller) CallOneShot(ctx context.Context, prompt string) (string, float64, error) {
	adapter := llmcli.NewOneShot(c.cfg, c.logger)
	defer adapter.Close()

	res, err := adapter.Call(ctx, llmcli.Request{Prompt: prompt}, llmcli.StreamOptions{})
	if err != nil {
		return "", 0, err
	}
	return res.FinalText, res.Usage.CostUSD, nil
}
