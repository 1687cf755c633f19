package ratelimit

import (
	"math"
	"strconv"
	"time"
)

func formatInt(v int64) string { return strconv.FormatInt(v, 10) }

// retryAfterSeconds arredonda para cima: Retry-After 0 faria o cliente
// repetir antes da janela virar.
func retryAfterSeconds(d time.Duration) string {
	s := int64(math.Ceil(d.Seconds()))
	if s < 1 {
		s = 1
	}
	return formatInt(s)
}
