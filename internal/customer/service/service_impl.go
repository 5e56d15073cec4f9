package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	auditdomain "github.com/buttermb/delviery-sub007/internal/audit/domain"
	"github.com/buttermb/delviery-sub007/internal/authorization"
	"github.com/buttermb/delviery-sub007/internal/clock"
	customerdomain "github.com/buttermb/delviery-sub007/internal/customer/domain"
	"github.com/buttermb/delviery-sub007/pkg/db/pagination"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	authzSvc authorization.Service
	auditSvc auditdomain.Service
}

type ServiceParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	AuthzSvc authorization.Service
	AuditSvc auditdomain.Service `optional:"true"`
}

func NewService(p ServiceParam) customerdomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("customer.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		authzSvc: p.AuthzSvc,
		auditSvc: p.AuditSvc,
	}
}

func (s *Service) Create(ctx context.Context, scope authorization.Scope, tenantID snowflake.ID, req customerdomain.CreateCustomerRequest) (*customerdomain.CustomerResponse, error) {
	if err := s.authzSvc.Authorize(ctx, scope, tenantID, authorization.ObjectCustomer, authorization.ActionCreate); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, customerdomain.ErrInvalidName
	}

	now := s.clock.Now()
	customer := customerdomain.Customer{
		ID:        s.genID.Generate(),
		TenantID:  tenantID,
		Name:      name,
		Email:     strings.TrimSpace(req.Email),
		Phone:     strings.TrimSpace(req.Phone),
		LicenseNo: strings.TrimSpace(req.LicenseNo),
		Status:    customerdomain.StatusActive,
		Metadata:  datatypes.JSONMap(req.Metadata),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&customer).Error; err != nil {
		return nil, err
	}

	s.recordAudit(ctx, tenantID, "customer.create", customer.ID.String(), map[string]any{"name": name})
	return toCustomerResponse(&customer), nil
}

// Get loads a customer strictly inside the tenant scope. A row owned by
// another tenant yields the same not-found as a row that never existed.
func (s *Service) Get(ctx context.Context, scope authorization.Scope, tenantID, customerID snowflake.ID) (*customerdomain.CustomerResponse, error) {
	if err := s.authzSvc.AuthorizeRead(ctx, scope, tenantID); err != nil {
		return nil, err
	}
	customer, err := s.find(ctx, s.db, tenantID, customerID)
	if err != nil {
		return nil, err
	}
	return toCustomerResponse(customer), nil
}

func (s *Service) Update(ctx context.Context, scope authorization.Scope, tenantID, customerID snowflake.ID, req customerdomain.UpdateCustomerRequest) (*customerdomain.CustomerResponse, error) {
	if err := s.authzSvc.Authorize(ctx, scope, tenantID, authorization.ObjectCustomer, authorization.ActionUpdate); err != nil {
		return nil, err
	}

	var customer *customerdomain.Customer
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		found, err := s.find(ctx, tx, tenantID, customerID)
		if err != nil {
			return err
		}
		if req.Name != nil {
			name := strings.TrimSpace(*req.Name)
			if name == "" {
				return customerdomain.ErrInvalidName
			}
			found.Name = name
		}
		if req.Email != nil {
			found.Email = strings.TrimSpace(*req.Email)
		}
		if req.Phone != nil {
			found.Phone = strings.TrimSpace(*req.Phone)
		}
		if req.LicenseNo != nil {
			found.LicenseNo = strings.TrimSpace(*req.LicenseNo)
		}
		if req.Status != nil {
			switch *req.Status {
			case customerdomain.StatusActive, customerdomain.StatusArchived:
				found.Status = *req.Status
			default:
				return customerdomain.ErrInvalidStatus
			}
		}
		if req.Metadata != nil {
			found.Metadata = datatypes.JSONMap(req.Metadata)
		}
		found.UpdatedAt = s.clock.Now()
		if err := tx.Save(found).Error; err != nil {
			return err
		}
		customer = found
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, tenantID, "customer.update", customerID.String(), nil)
	return toCustomerResponse(customer), nil
}

// Archive soft-deletes by flipping status; ledger history referencing the
// customer stays intact.
func (s *Service) Archive(ctx context.Context, scope authorization.Scope, tenantID, customerID snowflake.ID) error {
	if err := s.authzSvc.Authorize(ctx, scope, tenantID, authorization.ObjectCustomer, authorization.ActionDelete); err != nil {
		return err
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		found, err := s.find(ctx, tx, tenantID, customerID)
		if err != nil {
			return err
		}
		if found.Status == customerdomain.StatusArchived {
			return nil
		}
		found.Status = customerdomain.StatusArchived
		found.UpdatedAt = s.clock.Now()
		return tx.Save(found).Error
	})
	if err != nil {
		return err
	}

	s.recordAudit(ctx, tenantID, "customer.archive", customerID.String(), nil)
	return nil
}

func (s *Service) List(ctx context.Context, scope authorization.Scope, tenantID snowflake.ID, req customerdomain.ListCustomersRequest) (*customerdomain.ListCustomersResponse, error) {
	if err := s.authzSvc.AuthorizeRead(ctx, scope, tenantID); err != nil {
		return nil, err
	}

	pageSize := int32(req.PageSize)
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	cursor, err := pagination.DecodeCursor(req.PageToken)
	if err != nil {
		return nil, err
	}

	query := s.db.WithContext(ctx).
		Model(&customerdomain.Customer{}).
		Scopes(scope.Apply("tenant_id")).
		Where("tenant_id = ?", tenantID)
	if req.Status != "" {
		query = query.Where("status = ?", req.Status)
	}
	if cursor != nil {
		after, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
		if err != nil {
			return nil, pagination.ErrInvalidPageToken
		}
		query = query.Where("(created_at, id) > (?, ?)", after, cursor.ID)
	}

	var rows []*customerdomain.Customer
	if err := query.
		Order("created_at, id").
		Limit(int(pageSize) + 1).
		Find(&rows).Error; err != nil {
		return nil, err
	}

	pageInfo := pagination.BuildCursorPageInfo(rows, pageSize, func(c *customerdomain.Customer) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        c.ID.String(),
			CreatedAt: c.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo.HasMore {
		rows = rows[:pageSize]
	}

	out := make([]customerdomain.CustomerResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, *toCustomerResponse(row))
	}
	return &customerdomain.ListCustomersResponse{Customers: out, PageInfo: pageInfo}, nil
}

func (s *Service) find(ctx context.Context, tx *gorm.DB, tenantID, customerID snowflake.ID) (*customerdomain.Customer, error) {
	var customer customerdomain.Customer
	err := tx.WithContext(ctx).
		First(&customer, "id = ? AND tenant_id = ?", customerID, tenantID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, customerdomain.ErrCustomerNotFound
	}
	if err != nil {
		return nil, err
	}
	return &customer, nil
}

func (s *Service) recordAudit(ctx context.Context, tenantID snowflake.ID, action, resourceID string, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	if err := s.auditSvc.Record(ctx, auditdomain.Entry{
		TenantID:     tenantID,
		Action:       action,
		ResourceType: "customer",
		ResourceID:   resourceID,
		Metadata:     metadata,
	}); err != nil {
		s.log.Warn("customer audit write failed", zap.String("action", action), zap.Error(err))
	}
}

func toCustomerResponse(c *customerdomain.Customer) *customerdomain.CustomerResponse {
	return &customerdomain.CustomerResponse{
		ID:        c.ID.String(),
		TenantID:  c.TenantID.String(),
		Name:      c.Name,
		Email:     c.Email,
		Phone:     c.Phone,
		LicenseNo: c.LicenseNo,
		Status:    c.Status,
		Metadata:  map[string]any(c.Metadata),
		CreatedAt: c.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt: c.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}
