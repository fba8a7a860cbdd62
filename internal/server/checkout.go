package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/minipass/internal/provisioning"
)

func (s *Server) CreateCheckout(c *gin.Context) {
	var req provisioning.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindingError(err))
		return
	}
	c.Set("subdomain", strings.ToLower(strings.TrimSpace(req.Subdomain)))

	resp, err := s.checkoutSvc.CreateCheckout(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) CheckSubdomain(c *gin.Context) {
	var query struct {
		Subdomain    string `form:"subdomain"`
		Organization string `form:"organization"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(query.Subdomain) == "" && strings.TrimSpace(query.Organization) == "" {
		AbortWithError(c, newValidationError("subdomain", "required", "subdomain or organization is required"))
		return
	}

	resp, err := s.checkoutSvc.CheckSubdomain(c.Request.Context(), query.Subdomain, query.Organization)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
