package ws

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/touristicatours/BudgetTripPlanner-sub002/internal/access"
	"github.com/touristicatours/BudgetTripPlanner-sub002/internal/auth"
	"github.com/touristicatours/BudgetTripPlanner-sub002/internal/bus"
	"github.com/touristicatours/BudgetTripPlanner-sub002/internal/config"
	"github.com/touristicatours/BudgetTripPlanner-sub002/internal/presence"
)

// Gateway 是连接生命周期的入口：认证、升级、注册在线状态、
// 把入站事件路由到总线。
type Gateway struct {
	cfg         config.Config
	access      *access.Controller
	registry    *presence.Registry
	bus         *bus.Bus
	replayLimit int
}

func NewGateway(cfg config.Config, ac *access.Controller, registry *presence.Registry, b *bus.Bus) *Gateway {
	return &Gateway{cfg: cfg, access: ac, registry: registry, bus: b, replayLimit: 50}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Serve 处理 WebSocket 握手。身份 token 支持 query 参数或 Bearer 头，
// 升级之后第一帧必须是 join_trip。
func (g *Gateway) Serve() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			authz := c.GetHeader("Authorization")
			if len(authz) > 7 && (authz[:7] == "Bearer " || authz[:7] == "bearer ") {
				token = authz[7:]
			}
		}
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		claims, err := auth.ParseAccessToken(token, g.cfg.JWTSecret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		cl := &client{
			gw:     g,
			conn:   conn,
			id:     auth.Identity{UserID: claims.UserID, Name: claims.Name, Email: claims.Email},
			connID: uuid.NewString(),
			state:  stateConnecting,
		}
		cl.readPump()
	}
}

func isKind(err, kind error) bool { return errors.Is(err, kind) }
