package application

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	domaintool "github.com/kestrelrun/kestrel/internal/domain/tool"
	toolpkg "github.com/kestrelrun/kestrel/internal/infrastructure/tool"
)

// registryToolInvoker runs TOOL_CALL markers against the registered
// tool set. The submitter key rides along as the media chat id so
// send_photo/send_document resolve their target chat.
type registryToolInvoker struct {
	registry domaintool.Registry
}

func NewRegistryToolInvoker(registry domaintool.Registry) ToolInvoker {
	return &registryToolInvoker{registry: registry}
}

func (r *registryToolInvoker) Invoke(ctx context.Context, submitterKey, name, paramsJSON string) (string, error) {
	t, ok := r.registry.Get(name)
	if !ok {
		return "", fmt.Errorf("unknown tool %q", name)
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(paramsJSON), &args); err != nil {
		return "", fmt.Errorf("tool %s: bad params: %w", name, err)
	}
	if chatID, err := strconv.ParseInt(submitterKey, 10, 64); err == nil {
		ctx = toolpkg.WithChatID(ctx, chatID)
	}
	res, err := t.Execute(ctx, args)
	if err != nil {
		return "", err
	}
	if !res.Success && res.Error != "" {
		return "", fmt.Errorf("%s", res.Error)
	}
	return res.Output, nil
}

// lazyFileSender resolves SEND_FILE markers through the Telegram
// adapter once initInterfaces has built one. Mirrors lazyDeliverer:
// Core is constructed before the channel adapter exists.
type lazyFileSender struct {
	app *App
}

func (l *lazyFileSender) SendFile(ctx context.Context, submitterKey, path string) error {
	if l.app.telegramAdapter == nil {
		return fmt.Errorf("no channel with attachment support")
	}
	chatID, err := strconv.ParseInt(submitterKey, 10, 64)
	if err != nil {
		return fmt.Errorf("submitter key %q is not a chat id: %w", submitterKey, err)
	}
	return l.app.telegramAdapter.SendDocument(chatID, path, "")
}
