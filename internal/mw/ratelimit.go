package mw

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// limiterTTL 之后没有新请求的客户端条目会被回收。
const limiterTTL = 2 * time.Minute

type clientLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimit 按 客户端IP+路由 做令牌桶限速，邀请接口和聊天接口互不挤占。
// 条目惰性创建，过期回收在取用路径上顺带完成。
func RateLimit(r rate.Limit, burst int) gin.HandlerFunc {
	var (
		mu      sync.Mutex
		clients = make(map[string]*clientLimiter)
		lastGC  = time.Now()
	)

	lookup := func(key string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		now := time.Now()
		if now.Sub(lastGC) > limiterTTL {
			for k, cl := range clients {
				if now.Sub(cl.lastSeen) > limiterTTL {
					delete(clients, k)
				}
			}
			lastGC = now
		}
		cl, ok := clients[key]
		if !ok {
			cl = &clientLimiter{lim: rate.NewLimiter(r, burst)}
			clients[key] = cl
		}
		cl.lastSeen = now
		return cl.lim
	}

	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		if !lookup(clientIP(c.Request.RemoteAddr) + "|" + route).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

func clientIP(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
