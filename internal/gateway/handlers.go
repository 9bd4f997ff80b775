package gateway

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/exonet/tokenvault/internal/agents"
	"github.com/exonet/tokenvault/internal/burn"
	"github.com/exonet/tokenvault/internal/ledger"
	"github.com/exonet/tokenvault/internal/mint"
)

func pathID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		respondError(c, fmt.Errorf("bad %s: %w", name, ledger.ErrInvalidArgument))
		return uuid.Nil, false
	}
	return id, true
}

func parseAmount(raw string) (decimal.Decimal, error) {
	amt, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bad amount %q: %w", raw, ledger.ErrInvalidArgument)
	}
	return amt, nil
}

// Mint lifecycle.

type createMintRequest struct {
	AgentID string `json:"agent_id" binding:"required"`
	Token   string `json:"token_type" binding:"required"`
	Amount  string `json:"amount" binding:"required"`
}

func (g *Gateway) createMint(c *gin.Context) {
	var req createMintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, fmt.Errorf("%v: %w", err, ledger.ErrInvalidArgument))
		return
	}
	agentID, err := uuid.Parse(req.AgentID)
	if err != nil {
		respondError(c, fmt.Errorf("bad agent_id: %w", ledger.ErrInvalidArgument))
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		respondError(c, err)
		return
	}

	out, err := g.mints.Create(c.Request.Context(), mint.CreateRequest{
		UserID:  subjectID(c),
		AgentID: agentID,
		Token:   ledger.TokenType(req.Token),
		Amount:  amount,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	g.snapshotAgent(c, out.AgentID)
	respond(c, http.StatusCreated, out)
}

func (g *Gateway) getMint(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	out, err := g.store.MintOf(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, out)
}

type proofRequest struct {
	ProofURL string `json:"proof_url" binding:"required"`
}

func (g *Gateway) submitMintProof(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req proofRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, fmt.Errorf("%v: %w", err, ledger.ErrInvalidArgument))
		return
	}
	out, err := g.mints.SubmitProof(c.Request.Context(), id, req.ProofURL)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, out)
}

func (g *Gateway) confirmMint(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	out, err := g.mints.Confirm(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	g.metrics.Settlement(c.Request.Context(), "mint", "confirmed", out.AmountUSD)
	g.snapshotAgent(c, out.AgentID)
	respond(c, http.StatusOK, out)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (g *Gateway) rejectMint(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req reasonRequest
	_ = c.ShouldBindJSON(&req)
	out, err := g.mints.Reject(c.Request.Context(), id, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	g.snapshotAgent(c, out.AgentID)
	respond(c, http.StatusOK, out)
}

func (g *Gateway) cancelMint(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	out, err := g.mints.Cancel(c.Request.Context(), id, subjectID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, out)
}

// Burn lifecycle.

type createBurnRequest struct {
	AgentID string `json:"agent_id" binding:"required"`
	Token   string `json:"token_type" binding:"required"`
	Amount  string `json:"amount" binding:"required"`
}

func (g *Gateway) createBurn(c *gin.Context) {
	var req createBurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, fmt.Errorf("%v: %w", err, ledger.ErrInvalidArgument))
		return
	}
	agentID, err := uuid.Parse(req.AgentID)
	if err != nil {
		respondError(c, fmt.Errorf("bad agent_id: %w", ledger.ErrInvalidArgument))
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		respondError(c, err)
		return
	}

	out, err := g.burns.Create(c.Request.Context(), burn.CreateRequest{
		UserID:  subjectID(c),
		AgentID: agentID,
		Token:   ledger.TokenType(req.Token),
		Amount:  amount,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	g.snapshotAgent(c, out.AgentID)
	respond(c, http.StatusCreated, out)
}

func (g *Gateway) getBurn(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	out, err := g.store.BurnOf(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, out)
}

func (g *Gateway) submitBurnProof(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req proofRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, fmt.Errorf("%v: %w", err, ledger.ErrInvalidArgument))
		return
	}
	out, err := g.burns.SubmitProof(c.Request.Context(), id, req.ProofURL)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, out)
}

func (g *Gateway) completeBurn(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	out, err := g.burns.Complete(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	g.metrics.Settlement(c.Request.Context(), "burn", "completed", out.AmountUSD)
	g.snapshotAgent(c, out.AgentID)
	respond(c, http.StatusOK, out)
}

func (g *Gateway) disputeBurn(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req reasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, fmt.Errorf("%v: %w", err, ledger.ErrInvalidArgument))
		return
	}
	out, err := g.burns.Dispute(c.Request.Context(), id, c.GetString("role"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusCreated, out)
}

// Wallet and ledger views.

func (g *Gateway) getWallet(c *gin.Context) {
	token := ledger.TokenType(c.Param("token"))
	if !token.Valid() {
		respondError(c, fmt.Errorf("bad token type: %w", ledger.ErrInvalidArgument))
		return
	}
	w, err := g.store.WalletOf(c.Request.Context(), subjectID(c), token)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{
		"wallet":    w,
		"available": w.Available(),
	})
}

func (g *Gateway) listTransactions(c *gin.Context) {
	p := pageFrom(c)
	f := ledger.TxFilter{Type: ledger.TxType(c.Query("type"))}
	switch c.GetString("role") {
	case RoleUser:
		f.UserID = subjectID(c)
	case RoleAgent:
		f.AgentID = subjectID(c)
	default:
		if raw := c.Query("user_id"); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				respondError(c, fmt.Errorf("bad user_id: %w", ledger.ErrInvalidArgument))
				return
			}
			f.UserID = id
		}
		if raw := c.Query("agent_id"); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				respondError(c, fmt.Errorf("bad agent_id: %w", ledger.ErrInvalidArgument))
				return
			}
			f.AgentID = id
		}
	}

	txns, total, err := g.store.Transactions(c.Request.Context(), f, p)
	if err != nil {
		respondError(c, err)
		return
	}
	respondList(c, txns, total, p)
}

func (g *Gateway) pendingReview(c *gin.Context) {
	ctx := c.Request.Context()
	p := pageFrom(c)
	mints, _, err := g.store.MintsByStatus(ctx, ledger.RequestProofSubmitted, p)
	if err != nil {
		respondError(c, err)
		return
	}
	escrows, _, err := g.store.EscrowsByStatus(ctx, ledger.EscrowDisputed, p)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{
		"mint_requests": mints,
		"escrows":       escrows,
	})
}

// Disputes and escrows.

func (g *Gateway) listDisputes(c *gin.Context) {
	p := pageFrom(c)
	out, total, err := g.store.Disputes(c.Request.Context(), p)
	if err != nil {
		respondError(c, err)
		return
	}
	respondList(c, out, total, p)
}

type escalateRequest struct {
	Level string `json:"level" binding:"required"`
	Notes string `json:"notes"`
}

func (g *Gateway) escalateDispute(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req escalateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, fmt.Errorf("%v: %w", err, ledger.ErrInvalidArgument))
		return
	}
	out, err := g.disputes.Escalate(c.Request.Context(), id, ledger.EscalationLevel(req.Level), req.Notes)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, out)
}

type resolveRequest struct {
	Action     string `json:"action" binding:"required"`
	Notes      string `json:"notes"`
	PenaltyUSD string `json:"penalty_amount_usd"`
}

func (g *Gateway) resolveDispute(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, fmt.Errorf("%v: %w", err, ledger.ErrInvalidArgument))
		return
	}
	penalty := decimal.Zero
	if req.PenaltyUSD != "" {
		var err error
		if penalty, err = parseAmount(req.PenaltyUSD); err != nil {
			respondError(c, err)
			return
		}
	}
	out, err := g.disputes.Resolve(c.Request.Context(), id, ledger.ResolutionAction(req.Action), req.Notes, penalty)
	if err != nil {
		respondError(c, err)
		return
	}
	g.metrics.Settlement(c.Request.Context(), "dispute", req.Action, penalty)
	respond(c, http.StatusOK, out)
}

func (g *Gateway) listEscrows(c *gin.Context) {
	p := pageFrom(c)
	if status := c.Query("status"); status != "" {
		out, total, err := g.store.EscrowsByStatus(c.Request.Context(), ledger.EscrowStatus(status), p)
		if err != nil {
			respondError(c, err)
			return
		}
		respondList(c, out, total, p)
		return
	}
	out, total, err := g.store.Escrows(c.Request.Context(), p)
	if err != nil {
		respondError(c, err)
		return
	}
	respondList(c, out, total, p)
}

type forceFinalizeRequest struct {
	Outcome string `json:"outcome" binding:"required"`
	Notes   string `json:"notes"`
}

func (g *Gateway) forceFinalize(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req forceFinalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, fmt.Errorf("%v: %w", err, ledger.ErrInvalidArgument))
		return
	}
	if err := g.disputes.ForceFinalize(c.Request.Context(), id, req.Outcome, req.Notes); err != nil {
		respondError(c, err)
		return
	}
	out, err := g.store.EscrowOf(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, out)
}

// Withdrawals.

type createWithdrawalRequest struct {
	AmountUSD string `json:"amount_usd" binding:"required"`
}

func (g *Gateway) createWithdrawal(c *gin.Context) {
	var req createWithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, fmt.Errorf("%v: %w", err, ledger.ErrInvalidArgument))
		return
	}
	amount, err := parseAmount(req.AmountUSD)
	if err != nil {
		respondError(c, err)
		return
	}
	out, err := g.withdrawals.Create(c.Request.Context(), subjectID(c), amount)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusCreated, out)
}

func (g *Gateway) listWithdrawals(c *gin.Context) {
	p := pageFrom(c)
	status := ledger.WithdrawalStatus(c.Query("status"))
	out, total, err := g.store.Withdrawals(c.Request.Context(), status, p)
	if err != nil {
		respondError(c, err)
		return
	}
	respondList(c, out, total, p)
}

func (g *Gateway) withdrawalStats(c *gin.Context) {
	out, err := g.withdrawals.Stats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, out)
}

type notesRequest struct {
	Notes string `json:"notes"`
}

func (g *Gateway) approveWithdrawal(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req notesRequest
	_ = c.ShouldBindJSON(&req)
	out, err := g.withdrawals.Approve(c.Request.Context(), id, req.Notes)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, out)
}

type payWithdrawalRequest struct {
	TxHash string `json:"tx_hash" binding:"required"`
}

func (g *Gateway) payWithdrawal(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req payWithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, fmt.Errorf("%v: %w", err, ledger.ErrInvalidArgument))
		return
	}
	out, err := g.withdrawals.MarkPaid(c.Request.Context(), id, req.TxHash)
	if err != nil {
		respondError(c, err)
		return
	}
	g.snapshotAgent(c, out.AgentID)
	respond(c, http.StatusOK, out)
}

func (g *Gateway) rejectWithdrawal(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req reasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, fmt.Errorf("%v: %w", err, ledger.ErrInvalidArgument))
		return
	}
	out, err := g.withdrawals.Reject(c.Request.Context(), id, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, out)
}

// Agent administration.

type registerAgentRequest struct {
	Name       string `json:"name" binding:"required"`
	Tier       int    `json:"tier"`
	DepositUSD string `json:"deposit_usd" binding:"required"`
}

func (g *Gateway) registerAgent(c *gin.Context) {
	var req registerAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, fmt.Errorf("%v: %w", err, ledger.ErrInvalidArgument))
		return
	}
	deposit, err := parseAmount(req.DepositUSD)
	if err != nil {
		respondError(c, err)
		return
	}
	out, err := g.agents.Register(c.Request.Context(), agents.RegisterRequest{
		Name:       req.Name,
		Tier:       req.Tier,
		DepositUSD: deposit,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusCreated, out)
}

func (g *Gateway) listAgents(c *gin.Context) {
	p := pageFrom(c)
	out, total, err := g.store.Agents(c.Request.Context(), p)
	if err != nil {
		respondError(c, err)
		return
	}
	respondList(c, out, total, p)
}

func (g *Gateway) getAgent(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	a, err := g.store.Agent(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{
		"agent":              a,
		"available_capacity": a.AvailableCapacity(),
	})
}

func (g *Gateway) reviewAgent(c *gin.Context) {
	g.agentTransition(c, g.agents.StartReview)
}

func (g *Gateway) approveAgentKYC(c *gin.Context) {
	g.agentTransition(c, g.agents.ApproveKYC)
}

func (g *Gateway) activateAgent(c *gin.Context) {
	g.agentTransition(c, g.agents.Activate)
}

func (g *Gateway) rejectAgentKYC(c *gin.Context) {
	g.agentTransitionReason(c, g.agents.RejectKYC)
}

func (g *Gateway) suspendAgent(c *gin.Context) {
	g.agentTransitionReason(c, g.agents.Suspend)
}

type topUpRequest struct {
	AmountUSD string `json:"amount_usd" binding:"required"`
}

func (g *Gateway) topUpDeposit(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req topUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, fmt.Errorf("%v: %w", err, ledger.ErrInvalidArgument))
		return
	}
	amount, err := parseAmount(req.AmountUSD)
	if err != nil {
		respondError(c, err)
		return
	}
	out, err := g.agents.TopUpDeposit(c.Request.Context(), id, amount)
	if err != nil {
		respondError(c, err)
		return
	}
	g.snapshotAgent(c, out.ID)
	respond(c, http.StatusOK, out)
}

func (g *Gateway) freezeWallet(c *gin.Context)   { g.setWalletFrozen(c, true) }
func (g *Gateway) unfreezeWallet(c *gin.Context) { g.setWalletFrozen(c, false) }

func (g *Gateway) setWalletFrozen(c *gin.Context, frozen bool) {
	userID, ok := pathID(c, "user_id")
	if !ok {
		return
	}
	token := ledger.TokenType(c.Param("token"))
	if !token.Valid() {
		respondError(c, fmt.Errorf("bad token type: %w", ledger.ErrInvalidArgument))
		return
	}
	out, err := g.agents.SetWalletFrozen(c.Request.Context(), userID, token, frozen)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, out)
}

func (g *Gateway) agentTransition(c *gin.Context, fn func(ctx context.Context, id uuid.UUID) (*ledger.Agent, error)) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	out, err := fn(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, out)
}

func (g *Gateway) agentTransitionReason(c *gin.Context, fn func(ctx context.Context, id uuid.UUID, reason string) (*ledger.Agent, error)) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req reasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, fmt.Errorf("%v: %w", err, ledger.ErrInvalidArgument))
		return
	}
	out, err := fn(c.Request.Context(), id, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, out)
}

// snapshotAgent pushes the agent's capacity figures to the metrics sink
// after a capacity-affecting call. Best effort.
func (g *Gateway) snapshotAgent(c *gin.Context, agentID uuid.UUID) {
	a, err := g.store.Agent(c.Request.Context(), agentID)
	if err != nil {
		return
	}
	g.metrics.CapacitySnapshot(c.Request.Context(), a)
}
