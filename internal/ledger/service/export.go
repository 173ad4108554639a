package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/genledger/internal/ledger/domain"
	"github.com/smallbiznis/genledger/pkg/db/pagination"
)

// ListTransactions walks the transaction log in (created_at, id) order. A zero
// AccountID lists every account, which is what the audit export uses.
func (s *Service) ListTransactions(ctx context.Context, req ledgerdomain.ListTransactionsRequest) (ledgerdomain.ListTransactionsResponse, error) {
	page := pagination.Pagination{PageToken: req.PageToken, PageSize: req.PageSize}.Normalize()

	cursor, err := pagination.DecodeCursor(page.PageToken)
	if err != nil {
		return ledgerdomain.ListTransactionsResponse{}, err
	}

	stmt := s.db.WithContext(ctx).Model(&ledgerdomain.Transaction{})
	if req.AccountID != 0 {
		stmt = stmt.Where("account_id = ?", req.AccountID)
	}
	if req.Since != nil {
		stmt = stmt.Where("created_at >= ?", req.Since.UTC())
	}
	if cursor != nil {
		createdAt, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
		if err != nil {
			return ledgerdomain.ListTransactionsResponse{}, pagination.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return ledgerdomain.ListTransactionsResponse{}, pagination.ErrInvalidPageToken
		}
		stmt = stmt.Where("(created_at > ? OR (created_at = ? AND id > ?))", createdAt, createdAt, id)
	}

	var items []*ledgerdomain.Transaction
	if err := stmt.
		Order("created_at asc, id asc").
		Limit(page.PageSize + 1).
		Find(&items).Error; err != nil {
		return ledgerdomain.ListTransactionsResponse{}, err
	}

	items, pageInfo := pagination.BuildCursorPageInfo(items, page.PageSize, func(txn *ledgerdomain.Transaction) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        txn.ID.String(),
			CreatedAt: txn.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})

	txns := make([]ledgerdomain.Transaction, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		txns = append(txns, *item)
	}
	return ledgerdomain.ListTransactionsResponse{
		Transactions:  txns,
		NextPageToken: pageInfo.NextPageToken,
		HasMore:       pageInfo.HasMore,
	}, nil
}
