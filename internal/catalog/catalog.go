// Package catalog implements the discovery tools: get_products,
// list_creative_formats and list_authorized_properties. Discovery works
// without a bearer token, but unauthenticated callers see no pricing.
package catalog

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/adcontextprotocol/salesagent/internal/adcp"
	"github.com/adcontextprotocol/salesagent/internal/auth"
	"github.com/adcontextprotocol/salesagent/internal/models"
	"github.com/adcontextprotocol/salesagent/internal/policy"
)

// Store is the persistence surface the catalog needs.
type Store interface {
	ListProducts(ctx context.Context, tenantID string) ([]models.Product, error)
	ListCreativeFormats(ctx context.Context, tenantID string) ([]models.CreativeFormat, error)
	ListAuthorizedProperties(ctx context.Context, tenantID string) ([]models.AuthorizedProperty, error)
	ListPropertyTags(ctx context.Context, tenantID string) ([]models.PropertyTag, error)
}

// Service answers the discovery tools.
type Service struct {
	store   Store
	checker *policy.Checker
	logger  *zap.Logger
}

// NewService builds the catalog service.
func NewService(store Store, checker *policy.Checker, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.L()
	}
	return &Service{store: store, checker: checker, logger: logger.Named("catalog")}
}

// GetProducts returns the tenant's products matching the brief. Blocked
// briefs fail with POLICY_VIOLATION before any product is disclosed.
func (s *Service) GetProducts(ctx context.Context, id *auth.Identity, req *adcp.GetProductsRequest) (*adcp.GetProductsResponse, error) {
	res := s.checker.Check(id.Tenant, req.Brief, req.PromotedOffering)
	if res.Status == policy.StatusBlocked {
		return nil, policy.Violation(res)
	}

	products, err := s.store.ListProducts(ctx, id.Tenant.TenantID)
	if err != nil {
		return nil, err
	}

	var typeOf map[string]string
	if len(req.FormatTypes) > 0 {
		typeOf, err = s.formatTypes(ctx, id.Tenant.TenantID)
		if err != nil {
			return nil, err
		}
	}

	out := make([]models.Product, 0, len(products))
	for _, p := range products {
		if len(req.FormatTypes) > 0 && !hasFormatType(&p, req.FormatTypes, typeOf) {
			continue
		}
		if id.PrincipalID == "" {
			// Rate cards are for authenticated buyers only.
			p.PricingOptions = nil
		}
		out = append(out, p)
	}
	return &adcp.GetProductsResponse{Products: out}, nil
}

func (s *Service) formatTypes(ctx context.Context, tenantID string) (map[string]string, error) {
	formats, err := s.store.ListCreativeFormats(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string, len(formats))
	for _, f := range formats {
		m[strings.ToLower(f.FormatID)] = strings.ToLower(f.Type)
	}
	return m, nil
}

func hasFormatType(p *models.Product, wanted []string, typeOf map[string]string) bool {
	for _, ref := range p.Formats {
		t := typeOf[strings.ToLower(ref.ID)]
		for _, w := range wanted {
			if t == strings.ToLower(w) {
				return true
			}
		}
	}
	return false
}

// ListCreativeFormats returns the tenant's format registry: standard formats
// plus tenant custom ones.
func (s *Service) ListCreativeFormats(ctx context.Context, id *auth.Identity) (*adcp.ListCreativeFormatsResponse, error) {
	formats, err := s.store.ListCreativeFormats(ctx, id.Tenant.TenantID)
	if err != nil {
		return nil, err
	}
	return &adcp.ListCreativeFormatsResponse{Formats: formats}, nil
}

// ListCreativeAgents enumerates the creative agents behind the tenant's
// format registry, grouped by agent URL.
func (s *Service) ListCreativeAgents(ctx context.Context, id *auth.Identity) (*adcp.ListCreativeAgentsResponse, error) {
	formats, err := s.store.ListCreativeFormats(ctx, id.Tenant.TenantID)
	if err != nil {
		return nil, err
	}
	byAgent := make(map[string][]string)
	for _, f := range formats {
		url := strings.ToLower(strings.TrimRight(f.AgentURL, "/"))
		if url == "" {
			continue
		}
		byAgent[url] = append(byAgent[url], f.FormatID)
	}
	urls := make([]string, 0, len(byAgent))
	for url := range byAgent {
		urls = append(urls, url)
	}
	sort.Strings(urls)

	resp := &adcp.ListCreativeAgentsResponse{Agents: make([]adcp.CreativeAgent, 0, len(urls))}
	for _, url := range urls {
		ids := byAgent[url]
		sort.Strings(ids)
		resp.Agents = append(resp.Agents, adcp.CreativeAgent{AgentURL: url, FormatIDs: ids})
	}
	return resp, nil
}

// ListAuthorizedProperties returns the tenant's verified properties plus tag
// metadata.
func (s *Service) ListAuthorizedProperties(ctx context.Context, id *auth.Identity) (*adcp.ListAuthorizedPropertiesResponse, error) {
	props, err := s.store.ListAuthorizedProperties(ctx, id.Tenant.TenantID)
	if err != nil {
		return nil, err
	}
	tags, err := s.store.ListPropertyTags(ctx, id.Tenant.TenantID)
	if err != nil {
		return nil, err
	}
	return &adcp.ListAuthorizedPropertiesResponse{Properties: props, Tags: tags}, nil
}
