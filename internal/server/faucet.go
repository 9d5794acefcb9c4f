package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentbazaar/internal/auth"
	"github.com/mbd888/agentbazaar/internal/logging"
	"github.com/mbd888/agentbazaar/internal/usdc"
)

// FaucetRequest credits simulated USDC to an agent.
type FaucetRequest struct {
	Address string `json:"address" binding:"required"`
	Amount  string `json:"amount" binding:"required"`
}

// faucetHandler handles POST /admin/faucet. It exists only in memory chain
// mode, where balances live in the simulator.
func (s *Server) faucetHandler(c *gin.Context) {
	var req FaucetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "address and amount are required",
		})
		return
	}
	address := strings.ToLower(strings.TrimSpace(req.Address))
	if !ethAddressRegex.MatchString(address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "address must be a valid Ethereum address (0x + 40 hex chars)",
		})
		return
	}
	units, ok := usdc.Parse(req.Amount)
	if !ok || units.Sign() <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "amount must be a positive USDC value",
		})
		return
	}

	s.simulator.Fund(address, units)
	balance := usdc.Format(s.simulator.Balance(address))
	logging.L(c.Request.Context()).Info("simulated funds credited",
		"address", address, "amount", usdc.Format(units), "balance", balance,
		"operator", auth.GetAuthenticatedAgent(c))

	c.JSON(http.StatusOK, gin.H{"address": address, "balance": balance})
}
