package statusapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/kandev/tgsched/internal/common/logger"
	"github.com/kandev/tgsched/internal/tenant/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewRouter builds the gin engine serving /healthz, tenant status
// introspection, and the /ws streaming endpoint.
func NewRouter(tenants *store.Manager, hub *Hub, log *logger.Logger) *gin.Engine {
	r := gin.New()
	r.Use(Recovery(log), RequestLogger(log), ErrorHandler(), CORS())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/tenants", func(c *gin.Context) {
		ids, err := tenants.Discover()
		if err != nil {
			c.Error(err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"tenants": ids})
	})

	r.GET("/ws", func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.WithError(err).Warn("websocket upgrade failed")
			return
		}
		hub.Register(conn)
	})

	return r
}
