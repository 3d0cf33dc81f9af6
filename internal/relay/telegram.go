package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mohsenbarari/trading-bot-sub000/internal/market"
	"go.uber.org/zap"
)

const (
	defaultTelegramBaseURL = "https://api.telegram.org"
	telegramTimeout        = 10 * time.Second
)

var (
	errMissingBotToken  = errors.New("relay: bot token is required")
	errMissingChannelID = errors.New("relay: channel id is required")
)

// TelegramConfig wires the Bot API client.
type TelegramConfig struct {
	Token     string
	ChannelID int64
	BaseURL   string
	Client    *http.Client
	Logger    *zap.Logger
}

// TelegramClient implements Messenger and ChannelPublisher against the
// Telegram Bot API. Only the externally facing region constructs one; the
// home region relays through the sync engine instead.
type TelegramClient struct {
	token     string
	channelID int64
	baseURL   string
	client    *http.Client
	logger    *zap.Logger
}

// NewTelegramClient validates configuration and builds a client.
func NewTelegramClient(cfg TelegramConfig) (*TelegramClient, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errMissingBotToken
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultTelegramBaseURL
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: telegramTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TelegramClient{
		token:     cfg.Token,
		channelID: cfg.ChannelID,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		client:    client,
		logger:    logger,
	}, nil
}

type sendMessageRequest struct {
	ChatID    int64  `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
}

func (t *TelegramClient) sendMessage(ctx context.Context, chatID int64, text, parseMode string) (int64, error) {
	body, err := json.Marshal(sendMessageRequest{ChatID: chatID, Text: text, ParseMode: parseMode})
	if err != nil {
		return 0, fmt.Errorf("encode sendMessage: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build sendMessage: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := t.client.Do(request)
	if err != nil {
		return 0, fmt.Errorf("telegram request: %w", err)
	}
	defer response.Body.Close() //nolint:errcheck

	var decoded sendMessageResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return 0, fmt.Errorf("decode telegram response: %w", err)
	}
	if !decoded.OK {
		return 0, fmt.Errorf("telegram rejected message: %s", decoded.Description)
	}
	return decoded.Result.MessageID, nil
}

// SendMessage implements Messenger.
func (t *TelegramClient) SendMessage(ctx context.Context, chatID int64, text, parseMode string) error {
	_, err := t.sendMessage(ctx, chatID, text, parseMode)
	if err != nil {
		t.logger.Error("telegram send failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
	return err
}

// PublishOffer implements ChannelPublisher by posting the offer summary to
// the configured channel.
func (t *TelegramClient) PublishOffer(ctx context.Context, offer *market.Offer) (int64, error) {
	if t.channelID == 0 {
		return 0, errMissingChannelID
	}
	text := formatOffer(offer)
	messageID, err := t.sendMessage(ctx, t.channelID, text, "Markdown")
	if err != nil {
		t.logger.Error("offer publication failed", zap.Int64("offer_id", offer.ID), zap.Error(err))
		return 0, err
	}
	return messageID, nil
}

func formatOffer(offer *market.Offer) string {
	side := "BUY"
	if offer.OfferType == market.OfferTypeSell {
		side = "SELL"
	}
	return fmt.Sprintf("*%s* #%d\nquantity: %d\nprice: %d", side, offer.ID, offer.RemainingQuantity, offer.Price)
}
