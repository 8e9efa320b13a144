package history

import (
	"context"
	"strings"
	"time"

	"github.com/SeanBayley/Fleurene-sub001/internal/config"
	"github.com/SeanBayley/Fleurene-sub001/internal/payment/domain"
	"github.com/SeanBayley/Fleurene-sub001/pkg/db/pagination"
	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB   *gorm.DB
	Log  *zap.Logger
	Repo domain.Repository
	Cfg  config.Config
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	repo    domain.Repository
	timeout time.Duration
}

func NewService(p Params) domain.HistoryService {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("payment.history"),
		repo:    p.Repo,
		timeout: p.Cfg.Payment.StoreTimeout,
	}
}

// List returns one page of an order's status history, oldest first.
func (s *Service) List(ctx context.Context, orderID string, page pagination.Pagination) ([]domain.StatusHistoryEntry, *pagination.PageInfo, error) {
	orderID = strings.TrimSpace(orderID)
	if _, err := uuid.Parse(orderID); err != nil {
		return nil, nil, domain.ErrInvalidOrderID
	}

	var after snowflake.ID
	if token := strings.TrimSpace(page.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return nil, nil, domain.ErrInvalidPageToken
		}
		after, err = snowflake.ParseString(cursor.ID)
		if err != nil {
			return nil, nil, domain.ErrInvalidPageToken
		}
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	order, err := s.repo.FindOrder(ctx, s.db, orderID)
	if err != nil {
		return nil, nil, domain.StorageError("find order", err)
	}
	if order == nil {
		return nil, nil, domain.ErrOrderNotFound
	}

	limit := page.Limit()
	entries, err := s.repo.ListHistoryPage(ctx, s.db, orderID, after, limit+1)
	if err != nil {
		return nil, nil, domain.StorageError("list history", err)
	}

	entries, info, err := pagination.BuildCursorPageInfo(entries, limit, func(e domain.StatusHistoryEntry) pagination.Cursor {
		return pagination.Cursor{ID: e.ID.String()}
	})
	if err != nil {
		return nil, nil, err
	}
	if entries == nil {
		entries = []domain.StatusHistoryEntry{}
	}
	return entries, info, nil
}
