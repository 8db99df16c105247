// Package bot is the Telegram front end: photos go to the HTTP API and the
// result comes back as a summary, an annotated photo and a spreadsheet.
package bot

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"DendroDetServer/client"
	"DendroDetServer/logger"
	"DendroDetServer/monitor"
	"DendroDetServer/render"
)

const (
	msgStart = `Hi! Send me a photo of trees and I will detect them and identify the species.

Commands:
/help - how to use the bot`

	msgHelp = `How to use the bot:

1. Send a photo (as a photo, not a file)
2. Wait while it is analyzed
3. You get a per-class summary, the photo with numbered boxes and an xlsx table

Numbers on the photo match the "id" column of the table.`

	msgStub            = "Image received. Model inference is disabled, so there is no analysis yet."
	msgSendPhoto       = "Please send a photo."
	msgUnknownCommand  = "Unknown command. Use /help."
	msgProcessing      = "Processing the image..."
	msgProcessingError = "Could not process the image. Please try again later."

	transport       = "bot"
	downloadTimeout = 30 * time.Second

	// MaxConcurrentUpdates bounds how many messages are handled at once.
	MaxConcurrentUpdates = 4
)

// API is the subset of tgbotapi.BotAPI the bot uses.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetFileDirectURL(fileID string) (string, error)
}

// Analyzer submits a photo for analysis.
type Analyzer interface {
	ProcessImage(ctx context.Context, filename string, data []byte) (*client.ProcessResponse, error)
}

type Bot struct {
	api       API
	analyzer  Analyzer
	annotator *render.Annotator
	http      *resty.Client
	metrics   *monitor.Metrics
	sem       chan struct{}
}

func New(api API, analyzer Analyzer, metrics *monitor.Metrics) *Bot {
	return &Bot{
		api:       api,
		analyzer:  analyzer,
		annotator: render.NewAnnotator(render.FormatJPEG, 90),
		http:      resty.New().SetTimeout(downloadTimeout),
		metrics:   metrics,
		sem:       make(chan struct{}, MaxConcurrentUpdates),
	}
}

// Run consumes updates until ctx is done or the channel closes. Messages
// are handled concurrently, at most MaxConcurrentUpdates at a time, and Run
// returns once the in-flight ones finish.
func (b *Bot) Run(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil {
				continue
			}
			select {
			case b.sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			wg.Add(1)
			go func(msg *tgbotapi.Message) {
				defer wg.Done()
				defer func() { <-b.sem }()
				b.HandleMessage(ctx, msg)
			}(update.Message)
		}
	}
}

func (b *Bot) HandleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.IsCommand() {
		b.handleCommand(msg)
		return
	}
	if len(msg.Photo) > 0 {
		b.handlePhoto(ctx, msg)
		return
	}
	b.sendMessage(msg.Chat.ID, msgSendPhoto)
}

func (b *Bot) handleCommand(msg *tgbotapi.Message) {
	switch msg.Command() {
	case "start":
		b.sendMessage(msg.Chat.ID, msgStart)
	case "help":
		b.sendMessage(msg.Chat.ID, msgHelp)
	default:
		b.sendMessage(msg.Chat.ID, msgUnknownCommand)
	}
}

func (b *Bot) handlePhoto(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	b.sendMessage(chatID, msgProcessing)

	// sizes are ascending, the last one is the largest
	photo := msg.Photo[len(msg.Photo)-1]
	data, err := b.downloadFile(ctx, photo.FileID)
	if err != nil {
		b.fail(chatID, "download photo", err)
		return
	}

	resp, err := b.analyzer.ProcessImage(ctx, photo.FileUniqueID+".jpg", data)
	if err != nil {
		b.fail(chatID, "analyze photo", err)
		return
	}
	b.metrics.ObserveRequest(transport, "ok")

	result := resp.AnalysisResult
	if !result.InferenceEnabled {
		b.sendMessage(chatID, msgStub)
		return
	}
	if result.ModelInfo.Status != "" {
		b.sendMessage(chatID, result.ModelInfo.Message)
		return
	}

	b.sendMessage(chatID, render.Summarize(result))
	if len(result.Detections) == 0 {
		return
	}

	annotated, err := b.annotator.Annotate(data, result)
	if err != nil {
		logger.Log().Error("annotate photo", zap.Int64("chat_id", chatID), zap.Error(err))
	} else {
		p := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: "annotated.jpg", Bytes: annotated})
		b.send(p)
	}

	table, err := render.ToTable(result, render.TableXLSX)
	if err != nil {
		logger.Log().Error("build table", zap.Int64("chat_id", chatID), zap.Error(err))
		return
	}
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: "detections.xlsx", Bytes: table})
	b.send(doc)
}

func (b *Bot) fail(chatID int64, op string, err error) {
	b.metrics.ObserveRequest(transport, "error")
	logger.Log().Error(op, zap.Int64("chat_id", chatID), zap.Error(err))
	b.sendMessage(chatID, msgProcessingError)
}

func (b *Bot) downloadFile(ctx context.Context, fileID string) ([]byte, error) {
	url, err := b.api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	resp, err := b.http.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("download file: status %d", resp.StatusCode())
	}
	return bytes.Clone(resp.Body()), nil
}

func (b *Bot) sendMessage(chatID int64, text string) {
	b.send(tgbotapi.NewMessage(chatID, text))
}

func (b *Bot) send(c tgbotapi.Chattable) {
	if _, err := b.api.Send(c); err != nil {
		logger.Log().Error("send telegram message", zap.Error(err))
	}
}
