package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	customerdomain "github.com/buttermb/delviery-sub007/internal/customer/domain"
	"github.com/buttermb/delviery-sub007/pkg/db/pagination"
)

type createCustomerRequest struct {
	Name      string         `json:"name"`
	Email     string         `json:"email"`
	Phone     string         `json:"phone"`
	LicenseNo string         `json:"license_no"`
	Metadata  map[string]any `json:"metadata"`
}

func (s *Server) CreateCustomer(c *gin.Context) {
	tenantID, err := tenantIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	scope, ok := s.scopeFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req createCustomerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.customerSvc.Create(c.Request.Context(), scope, tenantID, customerdomain.CreateCustomerRequest{
		Name:      strings.TrimSpace(req.Name),
		Email:     strings.TrimSpace(req.Email),
		Phone:     strings.TrimSpace(req.Phone),
		LicenseNo: strings.TrimSpace(req.LicenseNo),
		Metadata:  req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListCustomers(c *gin.Context) {
	tenantID, err := tenantIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	scope, ok := s.scopeFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var query struct {
		pagination.Pagination
		Status string `form:"status"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.customerSvc.List(c.Request.Context(), scope, tenantID, customerdomain.ListCustomersRequest{
		Status:     strings.TrimSpace(query.Status),
		Pagination: query.Pagination,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetCustomer(c *gin.Context) {
	tenantID, err := tenantIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	customerID, err := idParam(c, "customerID")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	scope, ok := s.scopeFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	resp, err := s.customerSvc.Get(c.Request.Context(), scope, tenantID, customerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type updateCustomerRequest struct {
	Name      *string        `json:"name"`
	Email     *string        `json:"email"`
	Phone     *string        `json:"phone"`
	LicenseNo *string        `json:"license_no"`
	Status    *string        `json:"status"`
	Metadata  map[string]any `json:"metadata"`
}

func (s *Server) UpdateCustomer(c *gin.Context) {
	tenantID, err := tenantIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	customerID, err := idParam(c, "customerID")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	scope, ok := s.scopeFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req updateCustomerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.customerSvc.Update(c.Request.Context(), scope, tenantID, customerID, customerdomain.UpdateCustomerRequest{
		Name:      req.Name,
		Email:     req.Email,
		Phone:     req.Phone,
		LicenseNo: req.LicenseNo,
		Status:    req.Status,
		Metadata:  req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ArchiveCustomer(c *gin.Context) {
	tenantID, err := tenantIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	customerID, err := idParam(c, "customerID")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	scope, ok := s.scopeFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	if err := s.customerSvc.Archive(c.Request.Context(), scope, tenantID, customerID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
