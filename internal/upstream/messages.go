package upstream

import (
	"strings"

	"github.com/captioncast/captioncast/internal/caption"
	"github.com/captioncast/captioncast/internal/models"
)

// BuildConfigMessage builds the single configuration object sent after the
// socket opens. The language hint is omitted when auto-detection is
// requested, and the translation block is included only when the session
// actually wants translated captions.
func BuildConfigMessage(cfg SessionConfig) models.ConfigMessage {
	msg := models.ConfigMessage{
		APIKey:               cfg.APIKey,
		Model:                cfg.Model,
		EnableEndpointDetect: true,
		AudioFormat:          models.DefaultAudioFormat(),
	}

	src := strings.TrimSpace(cfg.SourceLanguage)
	if src != "" && !strings.EqualFold(src, "auto") {
		msg.LanguageHints = []string{src}
	}

	if caption.TranslationWanted(cfg.SourceLanguage, cfg.TargetLanguage) {
		msg.Translation = &models.TranslationBlock{
			Type:           "one_way",
			TargetLanguage: strings.TrimSpace(cfg.TargetLanguage),
		}
	}
	return msg
}
