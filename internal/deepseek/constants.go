package deepseek

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	PathCreatePow     = "/api/v0/chat/create_pow_challenge"
	PathLogin         = "/api/v0/users/login"
	PathCurrentUser   = "/api/v0/users/current"
	PathCreateSession = "/api/v0/chat_session/create"
	PathCompletion    = "/api/v0/chat/completion"
)

var BaseHeaders = map[string]string{
	"Accept":             "*/*",
	"Accept-Encoding":    "gzip, br",
	"Accept-Language":    "zh-CN,zh;q=0.9,en;q=0.8",
	"Content-Type":       "application/json",
	"Pragma":             "no-cache",
	"Sec-Ch-Ua":          `"Chromium";v="134", "Not:A-Brand";v="24", "Google Chrome";v="134"`,
	"Sec-Ch-Ua-Mobile":   "?0",
	"Sec-Ch-Ua-Platform": `"macOS"`,
	"Sec-Fetch-Dest":     "empty",
	"Sec-Fetch-Mode":     "cors",
	"Sec-Fetch-Site":     "same-origin",
	"User-Agent":         "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/134.0.0.0 Safari/537.36",
	"X-App-Version":      "20241129.1",
	"X-Client-Locale":    "zh-CN",
	"X-Client-Platform":  "web",
	"X-Client-Version":   "1.0.0-always",
}

func simpleUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// browserCookie fabricates the analytics cookies a browser session carries.
func browserCookie(now time.Time) string {
	ts := now.Unix()
	return fmt.Sprintf(
		"intercom-HWWAFSESTIME=%d; HWWAFSESID=%s; Hm_lvt_%s=%d,%d,%d; Hm_lpvt_%s=%d; _frid=%s; _fr_ssid=%s; _fr_pvid=%s",
		now.UnixMilli(), simpleUUID()[:18], simpleUUID(), ts, ts, ts, simpleUUID(), ts, simpleUUID(), simpleUUID(), simpleUUID(),
	)
}
