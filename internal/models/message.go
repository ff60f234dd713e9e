package models

import "encoding/json"

// ConfigMessage is the single JSON configuration object sent to the upstream
// service right after the socket opens. Everything after it is raw PCM.
type ConfigMessage struct {
	APIKey               string            `json:"api_key"`
	Model                string            `json:"model"`
	LanguageHints        []string          `json:"language_hints,omitempty"`
	EnableEndpointDetect bool              `json:"enable_endpoint_detection"`
	AudioFormat          AudioFormat       `json:"audio_format"`
	Translation          *TranslationBlock `json:"translation,omitempty"`
}

// AudioFormat describes the PCM frames that follow the config message.
type AudioFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate_hertz"`
	Channels   int    `json:"num_channels"`
}

// DefaultAudioFormat is little-endian 16-bit PCM, 16 kHz, mono.
func DefaultAudioFormat() AudioFormat {
	return AudioFormat{Encoding: "s16le", SampleRate: 16000, Channels: 1}
}

// TranslationBlock requests one-way translation into the target language.
type TranslationBlock struct {
	Type           string `json:"type"`
	TargetLanguage string `json:"target_language"`
}

// ServerMessageKind discriminates the known upstream message variants.
type ServerMessageKind int

const (
	ServerMessageUnknown ServerMessageKind = iota
	ServerMessageTokens
	ServerMessageError
)

// ServerMessage is the decoded form of one upstream JSON frame: either an
// error report or a token batch. Unknown shapes decode as Unknown and are
// ignored by the reader.
type ServerMessage struct {
	Kind    ServerMessageKind
	Tokens  []Token
	ErrCode int
	ErrText string
}

type rawServerMessage struct {
	Tokens       []Token `json:"tokens"`
	ErrorCode    int     `json:"error_code"`
	ErrorMessage string  `json:"error_message"`
}

// DecodeServerMessage parses an upstream text frame into the closed variant
// set. A frame carrying an error field is an error message even if it also
// carries tokens.
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	var raw rawServerMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return ServerMessage{}, err
	}
	if raw.ErrorCode != 0 || raw.ErrorMessage != "" {
		return ServerMessage{Kind: ServerMessageError, ErrCode: raw.ErrorCode, ErrText: raw.ErrorMessage}, nil
	}
	if raw.Tokens != nil {
		return ServerMessage{Kind: ServerMessageTokens, Tokens: raw.Tokens}, nil
	}
	return ServerMessage{Kind: ServerMessageUnknown}, nil
}
