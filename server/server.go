package server

import (
	"fmt"
	"net/http"
	"strings"

	"openmates"
	"openmates/common"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	zlog "github.com/rs/zerolog/log"
)

// RunServer wires the core into a gin engine and starts listening. The
// returned server is shut down by the caller; the core's own Shutdown runs
// the drain/flush/spill sequence.
func RunServer(core *openmates.Core) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	router := DefineRoutes(core)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", common.GetServerPort()),
		Handler: router.Handler(),
	}

	// Start server in a goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("Failed to start sync server")
		}
	}()

	return srv
}

func DefineRoutes(core *openmates.Core) *gin.Engine {
	r := gin.Default()

	r.GET("/healthz", func(c *gin.Context) {
		if err := core.Store.CheckConnection(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "metadata store unavailable"})
			return
		}
		if err := core.Cache.CheckConnection(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "hot cache unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/ws/v1/chats", func(c *gin.Context) {
		ChatSyncWebsocketHandler(core, c)
	})

	return r
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all connections by default
		return true
	},
}

// ChatSyncWebsocketHandler upgrades the connection and hands it to the
// broker. The bearer token comes from the Authorization header or the
// session cookie; the device hash identifies the device for sender-exclusion
// during fan-out.
func ChatSyncWebsocketHandler(core *openmates.Core, c *gin.Context) {
	token := bearerToken(c)
	deviceHash := c.Query("device")
	if deviceHash == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing device identifier"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		zlog.Debug().Err(err).Msg("Failed to upgrade websocket connection")
		return
	}

	// blocks until the session closes; token validation happens inside,
	// so an invalid token still gets a structured error frame
	core.Handler.ServeSession(c.Request.Context(), conn, token, deviceHash)
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	if cookie, err := c.Cookie("session_token"); err == nil {
		return cookie
	}
	return ""
}
