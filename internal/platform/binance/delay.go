// Package binance implements the binance spot private execution channel
// over the WebSocket API and the venue's reconnect policy.
package binance

import (
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/spotarb/internal/platform/wsconn"
)

// DelayOverride maps binance close and error contexts to a fixed reconnect
// cooldown. Anything else falls through to exponential backoff.
func DelayOverride(info wsconn.CloseInfo) (time.Duration, bool) {
	if info.Code == websocket.CloseAbnormalClosure {
		return time.Second, true
	}
	reason := strings.ToLower(info.Reason)
	errText := ""
	if info.Err != nil {
		errText = strings.ToLower(info.Err.Error())
	}
	switch {
	case info.Code == websocket.ClosePolicyViolation || strings.Contains(reason, "policy"):
		return 120 * time.Second, true
	case strings.Contains(errText, "429") || strings.Contains(reason, "rate"):
		return 90 * time.Second, true
	case info.Code == websocket.CloseTryAgainLater || strings.Contains(reason, "try again later"):
		return 60 * time.Second, true
	}
	return 0, false
}
