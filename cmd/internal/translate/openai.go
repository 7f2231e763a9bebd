package translate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenRouter defaults. Any OpenAI-compatible endpoint works.
const (
	DefaultBaseURL     = "https://openrouter.ai/api/v1"
	DefaultChatModel   = "openai/gpt-4o-mini"
	DefaultSpeechVoice = "alloy"
)

// OpenAIConfig configures OpenAIProvider.
type OpenAIConfig struct {
	APIKey    string
	BaseURL   string
	ChatModel string
	Voice     string
}

// OpenAIProvider implements Provider over an OpenAI-compatible API.
type OpenAIProvider struct {
	client openai.Client
	model  string
	voice  string
}

// NewOpenAIProvider constructs a provider. APIKey is required.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("translate: missing API key")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = DefaultChatModel
	}
	if cfg.Voice == "" {
		cfg.Voice = DefaultSpeechVoice
	}
	return &OpenAIProvider{
		client: openai.NewClient(
			option.WithAPIKey(cfg.APIKey),
			option.WithBaseURL(cfg.BaseURL),
		),
		model: cfg.ChatModel,
		voice: cfg.Voice,
	}, nil
}

// Complete runs a deterministic (temperature 0) chat completion.
func (p *OpenAIProvider) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	msgs := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(req.System)}
	if req.User != "" {
		msgs = append(msgs, openai.UserMessage(req.User))
	}

	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(p.model),
		Messages:    msgs,
		Temperature: openai.Float(0),
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion: no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Transcribe sends audio to Whisper.
func (p *OpenAIProvider) Transcribe(ctx context.Context, audio io.Reader, filename string) (string, error) {
	if filename == "" {
		filename = "voice.webm"
	}
	ct := mime.TypeByExtension(filepath.Ext(filename))
	if ct == "" {
		ct = "application/octet-stream"
	}

	tr, err := p.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		Model: openai.AudioModelWhisper1,
		File:  openai.File(audio, filename, ct),
	})
	if err != nil {
		return "", fmt.Errorf("transcribing %s: %w", filename, err)
	}
	return tr.Text, nil
}

// Synthesize renders text with tts-1.
func (p *OpenAIProvider) Synthesize(ctx context.Context, text string) ([]byte, error) {
	resp, err := p.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Model:          openai.SpeechModelTTS1,
		Voice:          openai.AudioSpeechNewParamsVoice(p.voice),
		Input:          text,
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatMP3,
	})
	if err != nil {
		return nil, fmt.Errorf("speech: %w", err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("speech body: %w", err)
	}
	return audio, nil
}

var _ Provider = (*OpenAIProvider)(nil)
