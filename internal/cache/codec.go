package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/opensource-finance/riskscore/internal/domain"
)

// byteStore is the raw key/value surface shared by every cache layer.
type byteStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// CustomerKey is the cache key of a customer record.
func CustomerKey(id string) string {
	return "customer:" + id
}

func getCustomer(ctx context.Context, s byteStore, id string) (*domain.Customer, error) {
	data, err := s.Get(ctx, CustomerKey(id))
	if err != nil || data == nil {
		return nil, err
	}

	var c domain.Customer
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func setCustomer(ctx context.Context, s byteStore, c *domain.Customer, ttl time.Duration) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.Set(ctx, CustomerKey(c.ID), data, ttl)
}
