package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/groupbuy/internal/domain"
	"github.com/alanyoungcy/groupbuy/internal/ledger"
)

// CatalogReader defines the read-side methods the campaign handler requires.
// It is declared locally so the handler package does not depend on the
// concrete service implementation.
type CatalogReader interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	ListActiveCampaigns(ctx context.Context) ([]domain.CampaignView, error)
	GetCampaign(ctx context.Context, id string) (domain.CampaignView, error)
}

// CampaignWriter defines the ledger operations exposed over HTTP.
type CampaignWriter interface {
	Create(ctx context.Context, in ledger.CreateInput) (domain.Campaign, error)
	Join(ctx context.Context, in ledger.JoinInput) (ledger.JoinResult, error)
}

// CampaignHandler serves product and campaign endpoints.
type CampaignHandler struct {
	catalog   CatalogReader
	campaigns CampaignWriter
	logger    *slog.Logger
}

// NewCampaignHandler creates a CampaignHandler.
func NewCampaignHandler(catalog CatalogReader, campaigns CampaignWriter, logger *slog.Logger) *CampaignHandler {
	return &CampaignHandler{
		catalog:   catalog,
		campaigns: campaigns,
		logger:    logger.With(slog.String("handler", "campaign")),
	}
}

// ListProducts returns the product catalog.
// GET /api/products
func (h *CampaignHandler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.catalog.ListProducts(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, "list products", err)
		return
	}
	if products == nil {
		products = []domain.Product{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

// ListCampaigns returns active campaigns with their product and derived state.
// GET /api/campaigns
func (h *CampaignHandler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	views, err := h.catalog.ListActiveCampaigns(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, "list campaigns", err)
		return
	}
	if views == nil {
		views = []domain.CampaignView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"campaigns": views})
}

// GetCampaign returns one campaign with its participations.
// GET /api/campaigns/{id}
func (h *CampaignHandler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	view, err := h.catalog.GetCampaign(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "get campaign", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type createCampaignRequest struct {
	ProductID      string    `json:"product_id"`
	TargetQuantity int       `json:"target_quantity"`
	EndsAt         time.Time `json:"ends_at"`
}

// CreateCampaign starts a campaign owned by the calling user.
// POST /api/campaigns
func (h *CampaignHandler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	creator, err := userID(r)
	if err != nil {
		writeDomainError(w, r, h.logger, "create campaign", err)
		return
	}
	var req createCampaignRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDomainError(w, r, h.logger, "create campaign", err)
		return
	}

	c, err := h.campaigns.Create(r.Context(), ledger.CreateInput{
		ProductID:      strings.TrimSpace(req.ProductID),
		TargetQuantity: req.TargetQuantity,
		EndsAt:         req.EndsAt,
		CreatorID:      creator,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, "create campaign", err)
		return
	}

	h.logger.InfoContext(r.Context(), "campaign created",
		slog.String("campaign_id", c.ID),
		slog.String("creator_id", creator),
	)
	writeJSON(w, http.StatusCreated, c)
}

type joinCampaignRequest struct {
	Quantity int `json:"quantity"`
}

// joinCampaignResponse omits the campaign on replays; the ledger does not
// re-read it for them.
type joinCampaignResponse struct {
	Participation domain.Participation `json:"participation"`
	Campaign      *domain.Campaign     `json:"campaign,omitempty"`
	Remaining     *int                 `json:"remaining,omitempty"`
	Replayed      bool                 `json:"replayed"`
}

// JoinCampaign commits quantity for the calling user. A new participation
// answers 201; an idempotent replay answers 200 with the stored record.
// POST /api/campaigns/{id}/join
func (h *CampaignHandler) JoinCampaign(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		writeDomainError(w, r, h.logger, "join campaign", err)
		return
	}
	var req joinCampaignRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDomainError(w, r, h.logger, "join campaign", err)
		return
	}

	res, err := h.campaigns.Join(r.Context(), ledger.JoinInput{
		CampaignID:     pathParam(r, "id"),
		UserID:         user,
		Quantity:       req.Quantity,
		IdempotencyKey: strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey)),
	})
	if err != nil {
		writeDomainError(w, r, h.logger, "join campaign", err)
		return
	}

	if res.Replayed {
		writeJSON(w, http.StatusOK, joinCampaignResponse{Participation: res.Participation, Replayed: true})
		return
	}
	remaining := res.Campaign.Remaining()
	writeJSON(w, http.StatusCreated, joinCampaignResponse{
		Participation: res.Participation,
		Campaign:      &res.Campaign,
		Remaining:     &remaining,
	})
}
