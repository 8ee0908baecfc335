package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/eduintbd/eod-sub000/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for reference data: securities, regulatory parameters and closing
// prices. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary. Everything else passes
// straight through.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) EnsureSecurity(ctx context.Context, sec *model.Security) (*model.Security, error) {
	stored, err := s.Store.EnsureSecurity(ctx, sec)
	if err != nil {
		return nil, err
	}
	s.cacheSecurity(ctx, stored)
	return stored, nil
}

func (s *CachedStore) UpdateMarginability(ctx context.Context, id string, marginable bool, reason string, at time.Time) error {
	if err := s.Store.UpdateMarginability(ctx, id, marginable, reason, at); err != nil {
		return err
	}
	// Invalidate; next read will re-populate.
	s.rdb.Del(ctx, securityKey(id))
	return nil
}

func (s *CachedStore) UpsertConfigParam(ctx context.Context, p model.ConfigParam) error {
	if err := s.Store.UpsertConfigParam(ctx, p); err != nil {
		return err
	}
	s.deletePattern(ctx, "config:active:*")
	return nil
}

func (s *CachedStore) UpsertPrice(ctx context.Context, p model.DailyPrice) error {
	if err := s.Store.UpsertPrice(ctx, p); err != nil {
		return err
	}
	s.deletePattern(ctx, fmt.Sprintf("price:%s:*", p.SecurityID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetSecurity(ctx context.Context, id string) (*model.Security, error) {
	data, err := s.rdb.Get(ctx, securityKey(id)).Bytes()
	if err == nil {
		var sec model.Security
		if json.Unmarshal(data, &sec) == nil {
			return &sec, nil
		}
	}

	// Cache miss: read from primary.
	sec, err := s.Store.GetSecurity(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheSecurity(ctx, sec)
	return sec, nil
}

func (s *CachedStore) GetSecurityByCode(ctx context.Context, code string) (*model.Security, error) {
	// Try cache via code→securityID mapping.
	if id, err := s.rdb.Get(ctx, securityCodeKey(code)).Result(); err == nil {
		return s.GetSecurity(ctx, id)
	}

	sec, err := s.Store.GetSecurityByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	s.cacheSecurity(ctx, sec)
	return sec, nil
}

func (s *CachedStore) GetSecurityByISIN(ctx context.Context, isin string) (*model.Security, error) {
	if id, err := s.rdb.Get(ctx, securityISINKey(isin)).Result(); err == nil {
		return s.GetSecurity(ctx, id)
	}

	sec, err := s.Store.GetSecurityByISIN(ctx, isin)
	if err != nil {
		return nil, err
	}
	s.cacheSecurity(ctx, sec)
	return sec, nil
}

func (s *CachedStore) ActiveConfigParams(ctx context.Context, asOf time.Time) (map[string]string, error) {
	key := configKey(asOf)
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var params map[string]string
		if json.Unmarshal(data, &params) == nil {
			return params, nil
		}
	}

	params, err := s.Store.ActiveConfigParams(ctx, asOf)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(params); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return params, nil
}

func (s *CachedStore) ClosePriceOnOrBefore(ctx context.Context, securityID string, day time.Time) (decimal.Decimal, bool, error) {
	key := priceKey(securityID, day)
	if v, err := s.rdb.Get(ctx, key).Result(); err == nil {
		if price, err := decimal.NewFromString(v); err == nil {
			return price, true, nil
		}
	}

	price, ok, err := s.Store.ClosePriceOnOrBefore(ctx, securityID, day)
	if err != nil || !ok {
		return price, ok, err
	}
	s.rdb.Set(ctx, key, price.String(), s.ttl)
	return price, true, nil
}

// --- Cache helpers ---

func (s *CachedStore) cacheSecurity(ctx context.Context, sec *model.Security) {
	data, err := json.Marshal(sec)
	if err != nil {
		return
	}
	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, securityKey(sec.ID), data, s.ttl)
	if sec.Code != "" {
		pipe.Set(ctx, securityCodeKey(sec.Code), sec.ID, s.ttl)
	}
	if sec.ISIN != "" {
		pipe.Set(ctx, securityISINKey(sec.ISIN), sec.ID, s.ttl)
	}
	_, _ = pipe.Exec(ctx)
}

func (s *CachedStore) deletePattern(ctx context.Context, pattern string) {
	iter := s.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		s.rdb.Del(ctx, iter.Val())
	}
}

func securityKey(id string) string       { return fmt.Sprintf("security:%s", id) }
func securityCodeKey(code string) string { return fmt.Sprintf("security:code:%s", code) }
func securityISINKey(isin string) string { return fmt.Sprintf("security:isin:%s", isin) }
func configKey(day time.Time) string     { return "config:active:" + day.Format(time.DateOnly) }

func priceKey(id string, day time.Time) string {
	return fmt.Sprintf("price:%s:%s", id, day.Format(time.DateOnly))
}
