package telegram

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// SendPhoto 发送图片 — 支持本地文件路径或 HTTP(S) URL
func (a *Adapter) SendPhoto(chatID int64, photoPath string, caption string) error {
	if strings.HasPrefix(photoPath, "http://") || strings.HasPrefix(photoPath, "https://") {
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(photoPath))
		photo.Caption = caption
		photo.ParseMode = "Markdown"
		_, err := a.bot.Send(photo)
		return err
	}

	file, err := os.Open(photoPath)
	if err != nil {
		return fmt.Errorf("failed to open photo: %w", err)
	}
	defer file.Close()

	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileReader{
		Name:   filepath.Base(photoPath),
		Reader: file,
	})
	photo.Caption = caption
	photo.ParseMode = "Markdown"
	_, err = a.bot.Send(photo)
	return err
}

// SendDocument 发送文档 — SEND_FILE 标记和 send_document 工具的出口
func (a *Adapter) SendDocument(chatID int64, docPath string, caption string) error {
	file, err := os.Open(docPath)
	if err != nil {
		return fmt.Errorf("failed to open document: %w", err)
	}
	defer file.Close()

	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileReader{
		Name:   filepath.Base(docPath),
		Reader: file,
	})
	doc.Caption = caption
	_, err = a.bot.Send(doc)
	return err
}
