package log

import (
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

// emojiMap maps the "type" field of an entry to the prefix shown in console output.
var emojiMap = map[string]string{
	"request":      "🌐",
	"slow_request": "🐌",
	"ingest":       "📥",
	"query":        "🔎",
	"queue":        "📬",
	"dead_letter":  "🪦",
	"circuit":      "🔌",
	"health":       "🩺",
	"alert":        "🚨",
	"rate_limit":   "🚦",
	"database":     "💾",
	"redis":        "📦",
	"startup":      "🚀",
	"scheduler":    "🎯",
	"audit":        "📋",
	"security":     "🔒",
}

func statusEmoji(status int64) string {
	switch {
	case status >= 500:
		return "🔴"
	case status >= 400:
		return "🟠"
	case status >= 300:
		return "🟡"
	}
	return "🟢"
}

func levelEmoji(level zapcore.Level) string {
	switch level {
	case zapcore.DebugLevel:
		return "🐛"
	case zapcore.InfoLevel:
		return "ℹ️"
	case zapcore.WarnLevel:
		return "⚠️"
	}
	return "❌"
}

// EmojiConsoleEncoder wraps the console encoder and prefixes each message with an emoji
// chosen from the HTTP status, the "type" field, or the level, in that order.
type EmojiConsoleEncoder struct {
	zapcore.Encoder
}

// NewEmojiConsoleEncoder creates the console encoder used in development.
func NewEmojiConsoleEncoder(cfg zapcore.EncoderConfig) zapcore.Encoder {
	return &EmojiConsoleEncoder{Encoder: zapcore.NewConsoleEncoder(cfg)}
}

// EncodeEntry implements zapcore.Encoder.
func (enc *EmojiConsoleEncoder) EncodeEntry(entry zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	var logType string
	var status int64
	for _, field := range fields {
		switch {
		case field.Key == "type" && field.Type == zapcore.StringType:
			logType = field.String
		case field.Key == "status" && (field.Type == zapcore.Int64Type || field.Type == zapcore.Int32Type):
			status = field.Integer
		}
	}

	emoji, ok := emojiMap[logType]
	if status > 0 {
		emoji, ok = statusEmoji(status), true
	}
	if !ok {
		emoji = levelEmoji(entry.Level)
	}
	entry.Message = emoji + " " + entry.Message

	return enc.Encoder.EncodeEntry(entry, fields)
}

// Clone implements zapcore.Encoder.
func (enc *EmojiConsoleEncoder) Clone() zapcore.Encoder {
	return &EmojiConsoleEncoder{Encoder: enc.Encoder.Clone()}
}
