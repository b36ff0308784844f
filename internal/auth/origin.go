package auth

import (
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/mssola/useragent"

	"directory-auth/internal/observability"
)

const maxClientIDLength = 255

// OriginFromRequest extracts the client IP, the raw User-Agent as client id
// and a short "Browser on OS" device label.
func OriginFromRequest(r *http.Request) Origin {
	ua := clientID(r.UserAgent())
	return Origin{
		IP:       observability.ClientIP(r),
		ClientID: ua,
		Device:   deviceLabel(ua),
	}
}

// clientID drops invalid UTF-8 and cuts the User-Agent to at most
// maxClientIDLength bytes without splitting a rune.
func clientID(raw string) string {
	ua := strings.TrimSpace(strings.ToValidUTF8(raw, ""))
	if len(ua) <= maxClientIDLength {
		return ua
	}
	cut := maxClientIDLength
	for cut > 0 && !utf8.RuneStart(ua[cut]) {
		cut--
	}
	return ua[:cut]
}

func deviceLabel(userAgent string) string {
	if userAgent == "" {
		return "Unknown Device"
	}

	ua := useragent.New(userAgent)
	browser, _ := ua.Browser()
	os := ua.OS()

	if ua.Mobile() {
		if platform := ua.Platform(); platform != "" {
			return strings.TrimSpace(browser + " on " + platform)
		}
	}
	if ua.Bot() {
		return "Bot"
	}
	if browser == "" {
		browser = "Unknown Browser"
	}
	if os == "" {
		os = "Unknown OS"
	}
	return strings.TrimSpace(browser + " on " + os)
}
