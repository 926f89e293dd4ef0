package tool

import (
	"context"
	"fmt"
	"strings"

	domaintool "github.com/kestrelrun/kestrel/internal/domain/tool"
	"go.uber.org/zap"
)

// MediaSender abstracts the channel adapter's media sending.
// Implemented by telegram.Adapter.
type MediaSender interface {
	SendPhoto(chatID int64, path string, caption string) error
	SendDocument(chatID int64, path string, caption string) error
}

// chatIDContextKey carries the target chat through the tool-execution
// context; media tools are meaningless without a chat to send to.
type chatIDContextKey struct{}

// WithChatID stores the target chat id for media tools.
func WithChatID(ctx context.Context, chatID int64) context.Context {
	return context.WithValue(ctx, chatIDContextKey{}, chatID)
}

func chatIDFromContext(ctx context.Context) int64 {
	if v, ok := ctx.Value(chatIDContextKey{}).(int64); ok {
		return v
	}
	return 0
}

// mediaTool is the shared shape of send_photo and send_document: take
// a path (+ optional caption), resolve the chat from context, hand to
// the channel adapter.
type mediaTool struct {
	name     string
	desc     string
	pathDesc string
	send     func(chatID int64, path, caption string) error
	logger   *zap.Logger
}

// NewSendPhotoTool sends an image (local path or URL) to the current chat.
func NewSendPhotoTool(sender MediaSender, logger *zap.Logger) domaintool.Tool {
	return &mediaTool{
		name: "send_photo",
		desc: "Send a photo to the current chat. Accepts a local file path or an http(s) URL. " +
			"Use for charts, screenshots, and any visual content the user asked for.",
		pathDesc: "Local file path or URL of the image",
		send:     sender.SendPhoto,
		logger:   logger,
	}
}

// NewSendDocumentTool sends any file to the current chat.
func NewSendDocumentTool(sender MediaSender, logger *zap.Logger) domaintool.Tool {
	return &mediaTool{
		name: "send_document",
		desc: "Send a file to the current chat: reports, logs, archives, code — any non-image file.",
		pathDesc: "Local file path of the document",
		send:     sender.SendDocument,
		logger:   logger,
	}
}

func (t *mediaTool) Name() string         { return t.name }
func (t *mediaTool) Kind() domaintool.Kind { return domaintool.KindCommunicate }
func (t *mediaTool) Description() string  { return t.desc }

func (t *mediaTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": t.pathDesc,
			},
			"caption": map[string]interface{}{
				"type":        "string",
				"description": "Optional caption",
			},
		},
		"required": []string{"path"},
	}
}

func (t *mediaTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	path, _ := args["path"].(string)
	caption, _ := args["caption"].(string)
	if path == "" {
		return failure("path is required"), nil
	}

	chatID := chatIDFromContext(ctx)
	if chatID == 0 {
		return failure("%s needs a chat context (Telegram mode only)", t.name), nil
	}

	t.logger.Info("sending media",
		zap.String("tool", t.name),
		zap.Int64("chat_id", chatID),
		zap.String("path", path),
		zap.Bool("is_url", strings.HasPrefix(path, "http")),
	)

	if err := t.send(chatID, path, caption); err != nil {
		return failure("%s failed: %v", t.name, err), nil
	}
	return &Result{
		Output:  fmt.Sprintf("Sent %s to chat %d", path, chatID),
		Success: true,
		Metadata: map[string]interface{}{"chat_id": chatID, "path": path},
	}, nil
}
