package turn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// Default models and voice for the turn-based call.
const (
	DefaultTranscriptionModel = "whisper-1"
	DefaultChatModel          = "gpt-4"
	DefaultSpeechModel        = "tts-1"
	DefaultVoice              = "shimmer"
)

// Ensure OpenAI implements all three stages.
var (
	_ Transcriber = (*OpenAI)(nil)
	_ Responder   = (*OpenAI)(nil)
	_ Synthesizer = (*OpenAI)(nil)
)

// OpenAIConfig configures [NewOpenAI]. Empty fields use the package defaults.
type OpenAIConfig struct {
	APIKey             string
	BaseURL            string
	TranscriptionModel string
	ChatModel          string
	SpeechModel        string
	Voice              string

	// SystemPrompt is sent ahead of every user message.
	SystemPrompt string

	// HTTPClient overrides the SDK's default client.
	HTTPClient *http.Client
}

// OpenAI runs all three turn stages against the OpenAI REST API.
type OpenAI struct {
	client             oai.Client
	transcriptionModel string
	chatModel          string
	speechModel        string
	voice              string
	systemPrompt       string
}

// NewOpenAI constructs an OpenAI client for the turn pipeline.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("turn: openai api key must not be empty")
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.HTTPClient))
	}

	o := &OpenAI{
		client:             oai.NewClient(reqOpts...),
		transcriptionModel: cfg.TranscriptionModel,
		chatModel:          cfg.ChatModel,
		speechModel:        cfg.SpeechModel,
		voice:              cfg.Voice,
		systemPrompt:       cfg.SystemPrompt,
	}
	if o.transcriptionModel == "" {
		o.transcriptionModel = DefaultTranscriptionModel
	}
	if o.chatModel == "" {
		o.chatModel = DefaultChatModel
	}
	if o.speechModel == "" {
		o.speechModel = DefaultSpeechModel
	}
	if o.voice == "" {
		o.voice = DefaultVoice
	}
	return o, nil
}

// Transcribe implements [Transcriber].
func (o *OpenAI) Transcribe(ctx context.Context, audio io.Reader, filename string) (string, error) {
	// The endpoint detects the format from the extension; browser blobs
	// arrive without one.
	if filepath.Ext(filename) == "" {
		filename = "audio.webm"
	}
	resp, err := o.client.Audio.Transcriptions.New(ctx, oai.AudioTranscriptionNewParams{
		File:  oai.File(audio, filename, contentType(filename)),
		Model: oai.AudioModel(o.transcriptionModel),
	})
	if err != nil {
		return "", fmt.Errorf("openai: transcribe: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// Respond implements [Responder].
func (o *OpenAI) Respond(ctx context.Context, text string) (string, error) {
	var messages []oai.ChatCompletionMessageParamUnion
	if o.systemPrompt != "" {
		messages = append(messages, oai.SystemMessage(o.systemPrompt))
	}
	messages = append(messages, oai.UserMessage(text))

	resp, err := o.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(o.chatModel),
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Synthesize implements [Synthesizer]. The result is MP3.
func (o *OpenAI) Synthesize(ctx context.Context, text string) ([]byte, error) {
	resp, err := o.client.Audio.Speech.New(ctx, oai.AudioSpeechNewParams{
		Input:          text,
		Model:          oai.SpeechModel(o.speechModel),
		Voice:          oai.AudioSpeechNewParamsVoice(o.voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatMP3,
	})
	if err != nil {
		return nil, fmt.Errorf("openai: speech: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai: read speech: %w", err)
	}
	return data, nil
}

// audioTypes maps the upload formats the transcription endpoint accepts.
var audioTypes = map[string]string{
	".flac": "audio/flac",
	".m4a":  "audio/mp4",
	".mp3":  "audio/mpeg",
	".mp4":  "audio/mp4",
	".ogg":  "audio/ogg",
	".wav":  "audio/wav",
	".webm": "audio/webm",
}

// contentType guesses the upload's MIME type from its extension. Browsers
// record webm by default.
func contentType(filename string) string {
	if t, ok := audioTypes[strings.ToLower(filepath.Ext(filename))]; ok {
		return t
	}
	return "audio/webm"
}
