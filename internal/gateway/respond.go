package gateway

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/exonet/tokenvault/internal/ledger"
)

// apiError is the error half of the response envelope.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

type envelope struct {
	Success    bool        `json:"success"`
	Data       interface{} `json:"data,omitempty"`
	Error      *apiError   `json:"error,omitempty"`
	Pagination *pagination `json:"pagination,omitempty"`
}

func respond(c *gin.Context, status int, data interface{}) {
	c.JSON(status, envelope{Success: true, Data: data})
}

func respondList(c *gin.Context, data interface{}, total int, p ledger.Page) {
	c.JSON(http.StatusOK, envelope{
		Success: true,
		Data:    data,
		Pagination: &pagination{
			Total:   total,
			Limit:   p.Limit,
			Offset:  p.Offset,
			HasMore: p.Offset+p.Limit < total,
		},
	})
}

func respondError(c *gin.Context, err error) {
	status, code := classify(err)
	c.AbortWithStatusJSON(status, envelope{
		Success: false,
		Error:   &apiError{Code: code, Message: err.Error()},
	})
}

// classify maps ledger sentinels onto HTTP statuses and stable error
// codes clients can branch on.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, ledger.ErrInvalidArgument):
		return http.StatusBadRequest, "INVALID_ARGUMENT"
	case errors.Is(err, ledger.ErrInsufficientCapacity):
		return http.StatusUnprocessableEntity, "INSUFFICIENT_CAPACITY"
	case errors.Is(err, ledger.ErrInsufficientDeposit):
		return http.StatusUnprocessableEntity, "INSUFFICIENT_DEPOSIT"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, "INSUFFICIENT_BALANCE"
	case errors.Is(err, ledger.ErrExceedsMaxWithdrawable):
		return http.StatusUnprocessableEntity, "EXCEEDS_MAX_WITHDRAWABLE"
	case errors.Is(err, ledger.ErrUnsafeWithdrawal):
		return http.StatusConflict, "UNSAFE_WITHDRAWAL"
	case errors.Is(err, ledger.ErrInvalidReservationState):
		return http.StatusConflict, "INVALID_RESERVATION_STATE"
	case errors.Is(err, ledger.ErrDisputeAlreadyResolved):
		return http.StatusConflict, "DISPUTE_ALREADY_RESOLVED"
	case errors.Is(err, ledger.ErrEscrowAlreadyOpen):
		return http.StatusConflict, "ESCROW_ALREADY_OPEN"
	case errors.Is(err, ledger.ErrAlreadyTransitioned):
		return http.StatusConflict, "ALREADY_TRANSITIONED"
	case errors.Is(err, ledger.ErrWalletFrozen):
		return http.StatusConflict, "WALLET_FROZEN"
	case errors.Is(err, ledger.ErrAgentNotTransactable):
		return http.StatusUnprocessableEntity, "AGENT_NOT_TRANSACTABLE"
	}
	return http.StatusInternalServerError, "INTERNAL"
}

func pageFrom(c *gin.Context) ledger.Page {
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	return ledger.Page{Limit: limit, Offset: offset}.Clamp()
}
