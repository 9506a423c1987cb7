package utils

import "strings"

var messageEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	`"`, "&quot;",
	"'", "&#039;",
)

// EscapeMessage neutralises the HTML characters clients would interpret.
// Note that '>' is left as is.
func EscapeMessage(msg string) string { return messageEscaper.Replace(msg) }

// ErrorInfo wraps text as an inline error note.
func ErrorInfo(text string) string { return "$ERROR_INFO$" + text + "$END_INFO$" }

// Info wraps text as an inline informational note.
func Info(text string) string { return "$INFO$" + text + "$END_INFO$" }

// FileLink is the message text announcing an uploaded file.
func FileLink(sender, fileName, fileType, url, chatKey string) string {
	return "$DWL$" + strings.Join([]string{sender, fileName, fileType, url, chatKey}, "|") + "$DWL$"
}
