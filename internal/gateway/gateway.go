// Package gateway is the HTTP surface of the custody service: the REST
// API under /api/v1, JWT auth, request-id replay for idempotent
// creates, and the admin event stream over websocket.
package gateway

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/exonet/tokenvault/internal/agents"
	"github.com/exonet/tokenvault/internal/burn"
	"github.com/exonet/tokenvault/internal/dispute"
	"github.com/exonet/tokenvault/internal/ledger"
	"github.com/exonet/tokenvault/internal/metrics"
	"github.com/exonet/tokenvault/internal/mint"
	"github.com/exonet/tokenvault/internal/withdrawal"
	"github.com/exonet/tokenvault/pkg/messaging"
)

// Config holds gateway wiring knobs.
type Config struct {
	JWTSecret string
	RedisURL  string
}

// Gateway routes API traffic to the domain services.
type Gateway struct {
	router      *gin.Engine
	store       ledger.Store
	mints       *mint.Service
	burns       *burn.Service
	disputes    *dispute.Engine
	withdrawals *withdrawal.Pipeline
	agents      *agents.Service
	events      *messaging.Client
	metrics     *metrics.Recorder
	jwtSecret   string
	replay      replayStore

	wsMu      sync.RWMutex
	wsClients map[uuid.UUID]*wsClient
}

type wsClient struct {
	id   uuid.UUID
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// New wires the gateway over the services and subscribes the websocket
// hub to the event bus.
func New(
	store ledger.Store,
	mints *mint.Service,
	burns *burn.Service,
	disputes *dispute.Engine,
	withdrawals *withdrawal.Pipeline,
	agentSvc *agents.Service,
	events *messaging.Client,
	rec *metrics.Recorder,
	cfg Config,
) *Gateway {
	g := &Gateway{
		router:      gin.New(),
		store:       store,
		mints:       mints,
		burns:       burns,
		disputes:    disputes,
		withdrawals: withdrawals,
		agents:      agentSvc,
		events:      events,
		metrics:     rec,
		jwtSecret:   cfg.JWTSecret,
		replay:      newReplayStore(cfg.RedisURL),
		wsClients:   make(map[uuid.UUID]*wsClient),
	}
	g.router.Use(gin.Logger(), gin.Recovery())
	g.setupRoutes()

	events.SubscribeLocal(func(ev messaging.Event) {
		payload, err := json.Marshal(ev)
		if err != nil {
			return
		}
		g.broadcast(payload)
	})
	return g
}

// Handler exposes the router for http.Server and tests.
func (g *Gateway) Handler() http.Handler { return g.router }

func (g *Gateway) setupRoutes() {
	g.router.GET("/health", g.healthCheck)

	v1 := g.router.Group("/api/v1")
	v1.Use(g.authMiddleware(), g.idempotencyMiddleware())
	{
		mints := v1.Group("/requests/mint")
		{
			mints.POST("", requireRole(RoleUser), g.createMint)
			mints.GET("/:id", g.getMint)
			mints.POST("/:id/proof", requireRole(RoleUser), g.submitMintProof)
			mints.POST("/:id/confirm", requireRole(RoleAgent), g.confirmMint)
			mints.POST("/:id/reject", requireRole(RoleAgent), g.rejectMint)
			mints.POST("/:id/cancel", requireRole(RoleUser), g.cancelMint)
		}

		burns := v1.Group("/requests/burn")
		{
			burns.POST("", requireRole(RoleUser), g.createBurn)
			burns.GET("/:id", g.getBurn)
			burns.POST("/:id/proof", requireRole(RoleAgent), g.submitBurnProof)
			burns.POST("/:id/complete", requireRole(RoleAgent), g.completeBurn)
			burns.POST("/:id/dispute", requireRole(RoleUser, RoleAgent), g.disputeBurn)
		}

		v1.GET("/wallets/:token", requireRole(RoleUser), g.getWallet)
		v1.GET("/transactions", g.listTransactions)
		v1.GET("/transactions/pending-review", requireRole(RoleAdmin), g.pendingReview)

		v1.POST("/withdrawals", requireRole(RoleAgent), g.createWithdrawal)

		admin := v1.Group("/admin", requireRole(RoleAdmin))
		{
			admin.GET("/operations/disputes", g.listDisputes)
			admin.POST("/operations/disputes/:id/escalate", g.escalateDispute)
			admin.POST("/operations/disputes/:id/resolve", g.resolveDispute)
			admin.GET("/operations/escrows", g.listEscrows)
			admin.POST("/operations/escrows/:id/force-finalize", g.forceFinalize)

			admin.GET("/withdrawals", g.listWithdrawals)
			admin.GET("/withdrawals/stats", g.withdrawalStats)
			admin.POST("/withdrawals/:id/approve", g.approveWithdrawal)
			admin.POST("/withdrawals/:id/paid", g.payWithdrawal)
			admin.POST("/withdrawals/:id/reject", g.rejectWithdrawal)

			admin.POST("/agents", g.registerAgent)
			admin.GET("/agents", g.listAgents)
			admin.GET("/agents/:id", g.getAgent)
			admin.POST("/agents/:id/review", g.reviewAgent)
			admin.POST("/agents/:id/approve-kyc", g.approveAgentKYC)
			admin.POST("/agents/:id/reject-kyc", g.rejectAgentKYC)
			admin.POST("/agents/:id/suspend", g.suspendAgent)
			admin.POST("/agents/:id/activate", g.activateAgent)
			admin.POST("/agents/:id/deposit", g.topUpDeposit)
			admin.POST("/wallets/:user_id/:token/freeze", g.freezeWallet)
			admin.POST("/wallets/:user_id/:token/unfreeze", g.unfreezeWallet)

			admin.GET("/stream", g.handleStream)
		}
	}
}

func (g *Gateway) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// WebSocket event stream.

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (g *Gateway) handleStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	client := &wsClient{
		id:   uuid.New(),
		conn: conn,
		send: make(chan []byte, 64),
		done: make(chan struct{}),
	}
	g.wsMu.Lock()
	g.wsClients[client.id] = client
	g.wsMu.Unlock()

	go g.wsReadPump(client)
	go g.wsWritePump(client)
}

func (g *Gateway) wsReadPump(client *wsClient) {
	defer func() {
		g.wsMu.Lock()
		delete(g.wsClients, client.id)
		g.wsMu.Unlock()
		close(client.done)
		client.conn.Close()
	}()
	for {
		// Stream is one-way; reads only detect the close.
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (g *Gateway) wsWritePump(client *wsClient) {
	for {
		select {
		case msg := <-client.send:
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-client.done:
			return
		}
	}
}

func (g *Gateway) broadcast(msg []byte) {
	g.wsMu.RLock()
	defer g.wsMu.RUnlock()
	for _, client := range g.wsClients {
		select {
		case client.send <- msg:
		default:
			// Slow consumer; drop rather than block the bus.
		}
	}
}
